package coordinator

import "fmt"

// State is the coordinator's position in the build lifecycle.
type State int

const (
	Init State = iota
	HostPrepared
	ChildSpawned
	ChildExited
	Cleaned
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case HostPrepared:
		return "host-prepared"
	case ChildSpawned:
		return "child-spawned"
	case ChildExited:
		return "child-exited"
	case Cleaned:
		return "cleaned"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// canTransition lists the legal edges. Cleanup is reachable from every
// state but Cleaned itself.
func canTransition(from, to State) bool {
	switch to {
	case HostPrepared:
		return from == Init
	case ChildSpawned:
		return from == HostPrepared
	case ChildExited:
		return from == ChildSpawned
	case Cleaned:
		return from != Cleaned
	}
	return false
}
