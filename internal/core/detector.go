package core

import (
	"regexp"
	"sync"
	"time"
)

const (
	// detectorWindowChars bounds the rolling plain-text window per session.
	detectorWindowChars = 2048

	// DefaultIdleAfter is how long a working session may stay silent before
	// it is considered idle.
	DefaultIdleAfter = 30 * time.Second
)

// StateChangeFunc is invoked on every detector transition.
type StateChangeFunc func(sessionID string, newState, prevState DetailedState)

type patternGroup struct {
	state    DetailedState
	patterns []*regexp.Regexp
}

func compileGroup(state DetailedState, exprs ...string) patternGroup {
	res := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		res = append(res, regexp.MustCompile(e))
	}
	return patternGroup{state: state, patterns: res}
}

// Pattern groups evaluated against the rolling window. Each group is a
// disjunction of case-insensitive expressions; the group whose latest match
// ends closest to the end of the window wins.
var patternGroups = []patternGroup{
	compileGroup(StateIdle,
		`❯\s*$`,
	),
	compileGroup(StateWorking,
		`✻`,
		`(?i)\b(thinking|working|channeling)(…|\.\.\.)`,
		`(?i)\b(reading|writing|editing)\s+\S+`,
		`(?i)\brunning\s+\S+`,
		`(?i)\bsearching\s+\S+`,
	),
	compileGroup(StateCompacting,
		`(?i)compacting conversation`,
		`(?i)·\s*compacting`,
	),
	compileGroup(StatePermissionNeeded,
		`(?i)do you want to proceed\?`,
		`(?i)⏵⏵\s*accept`,
		`(?i)allow (once|always)`,
		`(?i)\(y\)es`,
		`(?i)yes\s*/\s*no`,
		`(?i)deny.*allow`,
		`(?i)press enter to confirm`,
		`(?i)trust this folder`,
		`(?i)enter to confirm`,
		`(?i)yes, i trust`,
		`(?i)quick safety check`,
		`(?i)bypass permissions mode`,
		`(?i)yes, i accept`,
	),
	compileGroup(StateError,
		// Anchored at line start so code the agent merely prints (e.g.
		// `  console.log("Error: ...")`) is not misclassified.
		`(?im)^error:`,
		`(?i)\bapierror\b`,
		`(?i)overloaded`,
		`(?i)rate limit`,
		`(?i)\b(ENOENT|EACCES|EPERM|ECONNREFUSED)\b`,
		`(?i)\b(spawn|exec)\s+\S+\s+ENOENT\b`,
		`(?i)authentication failed`,
		`(?i)invalid\s.*\bapi\b.*\bkey`,
	),
}

type detectorSession struct {
	window    string
	state     DetailedState
	enteredAt time.Time
	lastFeed  time.Time
	idleTimer *time.Timer

	workingMs    int64
	idleMs       int64
	permissionMs int64
}

// Detector is the streaming classifier turning raw terminal bytes into one of
// the six session states. Pure in-memory; one state block per session.
type Detector struct {
	mu        sync.Mutex
	sessions  map[string]*detectorSession
	onChange  StateChangeFunc
	idleAfter time.Duration
}

func NewDetector(onChange StateChangeFunc) *Detector {
	return &Detector{
		sessions:  make(map[string]*detectorSession),
		onChange:  onChange,
		idleAfter: DefaultIdleAfter,
	}
}

// Track registers a session in state starting.
func (d *Detector) Track(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[id]; ok {
		return
	}
	d.sessions[id] = &detectorSession{
		state:     StateStarting,
		enteredAt: time.Now(),
	}
}

// Remove cancels the idle timer and drops the session's state block.
func (d *Detector) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[id]; ok {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		delete(d.sessions, id)
	}
}

// Feed delivers a raw output chunk. Escape sequences are stripped, the plain
// text is appended to the rolling window, and the window is re-classified.
func (d *Detector) Feed(id string, chunk []byte) {
	clean := stripTerminalEscapes(chunk)

	d.mu.Lock()
	s, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	s.lastFeed = time.Now()
	if clean != "" {
		s.window += clean
		if rs := []rune(s.window); len(rs) > detectorWindowChars {
			s.window = string(rs[len(rs)-detectorWindowChars:])
		}
	}

	next := classify(s.window, s.state)
	prev := s.state
	changed := next != prev
	if changed {
		d.transitionLocked(s, next)
	}

	// A chunk that lands (or keeps) the session in working resets the idle
	// timeout; any other state cancels it.
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.state == StateWorking {
		s.idleTimer = time.AfterFunc(d.idleAfter, func() { d.idleFire(id) })
	}
	d.mu.Unlock()

	if changed && d.onChange != nil {
		d.onChange(id, next, prev)
	}
}

func (d *Detector) idleFire(id string) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if !ok || s.state != StateWorking {
		d.mu.Unlock()
		return
	}
	// a chunk that raced this timer already rescheduled it
	if time.Since(s.lastFeed) < d.idleAfter {
		d.mu.Unlock()
		return
	}
	s.idleTimer = nil
	d.transitionLocked(s, StateIdle)
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(id, StateIdle, StateWorking)
	}
}

// transitionLocked accumulates time spent in the previous state and enters
// the new one. Caller holds d.mu.
func (d *Detector) transitionLocked(s *detectorSession, next DetailedState) {
	now := time.Now()
	elapsed := now.Sub(s.enteredAt).Milliseconds()
	switch s.state {
	case StateWorking:
		s.workingMs += elapsed
	case StateIdle:
		s.idleMs += elapsed
	case StatePermissionNeeded:
		s.permissionMs += elapsed
	}
	s.state = next
	s.enteredAt = now
}

// classify evaluates all pattern groups against the window; the group whose
// latest match ends furthest right wins. With no match, starting sessions
// stay starting and everything else falls to working.
func classify(window string, current DetailedState) DetailedState {
	best := -1
	state := current
	for _, g := range patternGroups {
		end := -1
		for _, re := range g.patterns {
			locs := re.FindAllStringIndex(window, -1)
			if len(locs) == 0 {
				continue
			}
			if e := locs[len(locs)-1][1]; e > end {
				end = e
			}
		}
		if end > best {
			best = end
			state = g.state
		}
	}
	if best < 0 {
		if current == StateStarting {
			return StateStarting
		}
		return StateWorking
	}
	return state
}

// Metrics reports accumulated per-state totals plus the elapsed time in the
// current state.
type Metrics struct {
	State            DetailedState
	WorkingMs        int64
	IdleMs           int64
	PermissionWaitMs int64
	CurrentMs        int64
}

func (d *Detector) Metrics(id string) (Metrics, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return Metrics{}, false
	}
	return Metrics{
		State:            s.state,
		WorkingMs:        s.workingMs,
		IdleMs:           s.idleMs,
		PermissionWaitMs: s.permissionMs,
		CurrentMs:        time.Since(s.enteredAt).Milliseconds(),
	}, true
}

// State returns the current detector state for a session.
func (d *Detector) State(id string) (DetailedState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return "", false
	}
	return s.state, true
}

// SetIdleAfter overrides the idle timeout. Intended for tests.
func (d *Detector) SetIdleAfter(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleAfter = dur
}
