package installer

import (
	"github.com/leeforge/pluginkit/marketplace"
)

// depInstallCommand is the package manager invoked for the optional
// dependency-install step.
const depInstallCommand = "npm"

// dependencyInstallArgs maps a version's install spec and the operator's
// registry override onto package-manager arguments.
func dependencyInstallArgs(spec *marketplace.InstallSpec, registryOverride string) []string {
	sub := "install"
	if spec.FrozenLockfile {
		sub = "ci"
	}
	args := []string{sub, "--no-audit", "--no-fund"}

	if spec.Production {
		args = append(args, "--omit=dev")
	}
	if spec.IgnoreScripts {
		args = append(args, "--ignore-scripts")
	}

	registry := spec.Registry
	if registry == "" {
		registry = registryOverride
	}
	if registry != "" {
		args = append(args, "--registry="+registry)
	}
	return args
}
