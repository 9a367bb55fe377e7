package engine

// State is the coarse lifecycle state of an Engine.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateGenerating
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateGenerating:
		return "generating"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
