package model

import "time"

// Environment lifecycle states.
const (
	StateUnknown      = "unknown"
	StateNotInstalled = "not_installed"
	StateInstalled    = "installed"
	StateLaunching    = "launching"
	StateLaunched     = "launched"
	StateExited       = "exited"
)

// Dependency manager names.
const (
	ManagerConda = "conda"
	ManagerPip   = "pip"
)

// validTransitions maps each state to the set of states it may transition to.
// A failed launch falls back to the state the environment had before launching.
var validTransitions = map[string]map[string]bool{
	StateUnknown: {
		StateNotInstalled: true,
		StateInstalled:    true,
	},
	StateNotInstalled: {
		StateInstalled: true,
		StateLaunching: true,
	},
	StateInstalled: {
		StateLaunching: true,
		StateExited:    true,
	},
	StateLaunching: {
		StateLaunched:     true,
		StateInstalled:    true,
		StateNotInstalled: true,
	},
	StateLaunched: {
		StateExited: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no transition leaves state.
func Terminal(state string) bool {
	return state == StateExited
}

// Environment is the persisted view of one named environment.
type Environment struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Port      int        `json:"port,omitempty"`
	LaunchID  string     `json:"launch_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// Event records a single lifecycle transition.
type Event struct {
	ID          int64     `json:"id"`
	Environment string    `json:"environment"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogLine represents a single persisted line drained from a worker's output.
type LogLine struct {
	ID          int64     `json:"id"`
	Environment string    `json:"environment"`
	LaunchID    string    `json:"launch_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}
