package installer

// State tracks an install operation's progress through the pipeline.
// Registration is always the last step, so a failure in any earlier state
// never leaves the registry pointing at a half-built install directory.
type State int

const (
	StateRequested State = iota
	StateResolved
	StatePermissionChecked
	StateDownloaded
	StateVerified
	StateExtracted
	StateDependencyInstalled
	StateEntryResolved
	StateRegistered
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateResolved:
		return "resolved"
	case StatePermissionChecked:
		return "permission-checked"
	case StateDownloaded:
		return "downloaded"
	case StateVerified:
		return "verified"
	case StateExtracted:
		return "extracted"
	case StateDependencyInstalled:
		return "dependency-installed"
	case StateEntryResolved:
		return "entry-resolved"
	case StateRegistered:
		return "registered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the pipeline.
func (s State) Terminal() bool {
	return s == StateRegistered || s == StateFailed
}
