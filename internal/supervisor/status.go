package supervisor

// State is the supervisor's position in its lifecycle. Exactly one state
// is active at a time; transitions are serialized under the supervisor's
// lock and never observed mid-flight.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateAttached   State = "attached" // usable gateway found via health probe
	StateFailed     State = "failed"   // terminal until explicit reactivation
)

// Status is the single authoritative supervisor status value. PID is set
// only in StateRunning; Detail carries attach metadata or the failure
// reason.
type Status struct {
	State    State  `json:"state"`
	PID      int    `json:"pid,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Restarts int    `json:"restarts"`
}

// Usable reports whether a gateway is available to the front-end.
func (s Status) Usable() bool {
	return s.State == StateRunning || s.State == StateAttached
}
