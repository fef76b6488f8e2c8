// Package permission validates a plugin version's declared capability
// requests against operator policy before any privileged installation-time
// action runs.
package permission

import (
	"strings"

	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/leeforge/pluginkit/config"
	"github.com/leeforge/pluginkit/errors"
	"github.com/leeforge/pluginkit/logging"
	"github.com/leeforge/pluginkit/marketplace"
)

// Permissions is the fully resolved form of a version's capability requests.
// Every array is non-nil; absence in the request resolves to empty.
type Permissions struct {
	Network   []string `json:"network" yaml:"network" default:"[]"`
	FS        []string `json:"fs" yaml:"fs" default:"[]"`
	Instances []string `json:"instances" yaml:"instances" default:"[]"`
}

// Gate enforces operator policy over resolved permissions.
type Gate struct {
	logger logging.Logger
}

// NewGate creates a permission gate.
func NewGate(logger logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{logger: logger.Named("permission")}
}

// Resolve defaults an optional permission request into a fully-populated
// Permissions value. Defaulting happens here, once, so the rest of the
// pipeline never deals with nil arrays.
func (g *Gate) Resolve(req *marketplace.PermissionRequest) Permissions {
	var perms Permissions
	if err := defaults.Set(&perms); err != nil {
		perms = Permissions{Network: []string{}, FS: []string{}, Instances: []string{}}
	}
	if req == nil {
		return perms
	}
	if len(req.Network) > 0 {
		perms.Network = append([]string{}, req.Network...)
	}
	if len(req.FS) > 0 {
		perms.FS = append([]string{}, req.FS...)
	}
	if len(req.Instances) > 0 {
		perms.Instances = append([]string{}, req.Instances...)
	}
	return perms
}

// Validate checks resolved permissions and the optional install step against
// policy. It runs before any network or filesystem side effect; a denial
// aborts the whole operation.
func (g *Gate) Validate(perms Permissions, install *marketplace.InstallSpec, policy config.Policy) error {
	if len(perms.Network) > 0 {
		if !policy.AllowNetwork {
			return errors.NewPermissionDenied("network", "network capability is not allowed by policy")
		}
		if len(policy.NetworkAllowList) > 0 {
			for _, rule := range perms.Network {
				if !anyAllowListMatch(rule, policy.NetworkAllowList) {
					return errors.NewPermissionDenied("network", "rule "+rule+" matches no allow-list entry").
						WithDetail("rule", rule)
				}
			}
		}
	}

	if len(perms.FS) > 0 && !policy.AllowFilesystem {
		return errors.NewPermissionDenied("fs", "filesystem capability is not allowed by policy")
	}

	if install.WantsDependencyInstall() {
		if !policy.AllowDependencyInstall {
			return errors.NewPermissionDenied("dependency-install", "dependency installation is not allowed by policy")
		}
		// The install step itself needs network access regardless of the
		// plugin's own declared permissions.
		if !policy.AllowNetwork {
			return errors.NewPermissionDenied("dependency-install", "dependency installation requires network capability")
		}
		if !install.IgnoreScripts && !policy.AllowScripts {
			return errors.NewPermissionDenied("scripts", "install-time scripts are not allowed by policy")
		}
	}

	g.logger.Debug("permissions validated",
		zap.Strings("network", perms.Network),
		zap.Strings("fs", perms.FS),
		zap.Bool("dependencyInstall", install.WantsDependencyInstall()))
	return nil
}

func anyAllowListMatch(rule string, allowList []string) bool {
	for _, allow := range allowList {
		if allowListMatch(rule, allow) {
			return true
		}
	}
	return false
}

// allowListMatch compares a requested network rule against one allow-list
// entry. A trailing `*` on either side turns that side into a prefix
// pattern; with wildcards on both sides the shorter prefix must contain
// the longer.
func allowListMatch(rule, allow string) bool {
	ruleWild := strings.HasSuffix(rule, "*")
	allowWild := strings.HasSuffix(allow, "*")
	rulePrefix := strings.TrimSuffix(rule, "*")
	allowPrefix := strings.TrimSuffix(allow, "*")

	switch {
	case ruleWild && allowWild:
		return strings.HasPrefix(rulePrefix, allowPrefix) || strings.HasPrefix(allowPrefix, rulePrefix)
	case allowWild:
		return strings.HasPrefix(rule, allowPrefix)
	case ruleWild:
		return strings.HasPrefix(allow, rulePrefix)
	default:
		return rule == allow
	}
}
