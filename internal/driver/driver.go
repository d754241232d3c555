// Package driver abstracts the backend that owns an agent's terminal: a
// direct pseudoterminal forked from this process, or a detached session
// hosted by an external tmux daemon that survives supervisor restarts.
package driver

// Callbacks deliver driver output and termination to the supervisor. Output
// chunks for one session arrive in order. Exit fires at most once per
// session; code is nil when the backend cannot surface one.
type Callbacks struct {
	Output func(id string, chunk []byte)
	Exit   func(id string, code *int)
}

// StartSpec describes one session to create.
type StartSpec struct {
	ID   string
	Argv []string
	Cwd  string
	Cols uint16
	Rows uint16
	// StripEnv names environment variables removed from the child.
	StripEnv []string
}

// Driver is the common backend contract. One driver instance serves the whole
// supervisor; backends are never mixed.
type Driver interface {
	Kind() string
	Start(spec StartSpec) (pid int, err error)
	Write(id string, p []byte) error
	// Resize reports whether the backend accepted the new dimensions.
	Resize(id string, cols, rows uint16) bool
	Kill(id string) error

	// PersistMetadata / RemoveMetadata store the serialized session
	// descriptor where the backend can rediscover it after a restart.
	// No-ops for backends whose sessions die with the supervisor.
	PersistMetadata(id string, data []byte)
	RemoveMetadata(id string)

	// Close stops supervisor-wide background polling. Sessions stay
	// killable afterwards; kill-all calls Close first so no poll tick can
	// interleave with the kill loop.
	Close()
}

// Recovered describes one session rediscovered from a prior supervisor
// instance.
type Recovered struct {
	ID string
	// Meta is the persisted descriptor JSON, nil when none survived.
	Meta []byte
	Cwd  string
	Pid  int
	// Bootstrap is recent pane content used to seed the state detector.
	Bootstrap []byte
}

// Recoverer is implemented by drivers whose sessions outlive the supervisor.
type Recoverer interface {
	Recover() ([]Recovered, error)
}
