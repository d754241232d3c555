package core

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cc-supervisor/internal/driver"
	"cc-supervisor/internal/security"
)

type SupervisorConfig struct {
	// AgentPath is the executable of the supervised agent.
	AgentPath string
	BaseName  string
	Group     string

	ArgPolicy *security.ArgPolicy
	// StripEnv names environment variables kept out of child agents.
	StripEnv []string
	// SkipPermissionsDefault injects the skip-permissions switch into argv
	// unless a spawn explicitly opts out.
	SkipPermissionsDefault bool

	MaxSessions     int
	ScrollbackLimit int
	TranscriptMax   int
}

type SpawnOptions struct {
	Name  string
	Group string
	Cwd   string
	Args  []string
	Cols  uint16
	Rows  uint16
	Task  string
	// SkipPermissions overrides the supervisor-wide default when set.
	SkipPermissions *bool
}

// Supervisor orchestrates spawn/kill/write/resize atop one backend driver,
// maintains the session store, feeds the state detector, records transcript
// entries, and publishes events.
type Supervisor struct {
	mu  sync.Mutex
	cfg SupervisorConfig

	drv      driver.Driver
	store    *Store
	detector *Detector

	nameCounter int

	listeners    map[int]func(Event)
	nextListener int

	// taskWaiters maps a session id to its pending auto-task input; the
	// waiter fires once on the first idle transition and is dropped on
	// exit or kill so it can never leak.
	taskWaiters map[string]string
}

func NewSupervisor(cfg SupervisorConfig, newDriver func(driver.Callbacks) (driver.Driver, error)) (*Supervisor, error) {
	if cfg.BaseName == "" {
		cfg.BaseName = DefaultBaseName
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = MaxSessions
	}
	if cfg.ArgPolicy == nil {
		cfg.ArgPolicy = security.NewArgPolicy(nil)
	}
	s := &Supervisor{
		cfg:         cfg,
		store:       NewStore(cfg.ScrollbackLimit, cfg.TranscriptMax),
		listeners:   make(map[int]func(Event)),
		taskWaiters: make(map[string]string),
	}
	s.detector = NewDetector(s.onStateChange)
	drv, err := newDriver(driver.Callbacks{
		Output: s.onDriverOutput,
		Exit:   s.onDriverExit,
	})
	if err != nil {
		return nil, err
	}
	s.drv = drv
	return s, nil
}

func (s *Supervisor) Driver() driver.Driver { return s.drv }

func (s *Supervisor) Detector() *Detector { return s.detector }

// AddListener registers an event consumer; the returned func detaches it.
// Listeners run synchronously in emission order.
func (s *Supervisor) AddListener(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for i := 0; i < s.nextListener; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func genSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// mergeSkipPermissions applies the skip-permissions switch: an explicit
// option overrides the supervisor default; true adds the flag if absent,
// false strips it.
func mergeSkipPermissions(args []string, dflt bool, override *bool) []string {
	skip := dflt
	if override != nil {
		skip = *override
	}
	has := false
	for _, a := range args {
		if a == security.SkipPermissionsFlag {
			has = true
			break
		}
	}
	switch {
	case skip && !has:
		return append(append([]string(nil), args...), security.SkipPermissionsFlag)
	case !skip && has:
		out := make([]string, 0, len(args))
		for _, a := range args {
			if a != security.SkipPermissionsFlag {
				out = append(out, a)
			}
		}
		return out
	}
	return args
}

func (s *Supervisor) Spawn(opts SpawnOptions) (Session, error) {
	st, err := os.Stat(opts.Cwd)
	if err != nil || !st.IsDir() || !filepath.IsAbs(opts.Cwd) {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidCwd, opts.Cwd)
	}

	args := mergeSkipPermissions(opts.Args, s.cfg.SkipPermissionsDefault, opts.SkipPermissions)
	if err := s.cfg.ArgPolicy.Validate(args); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrDisallowedArg, err)
	}

	s.mu.Lock()
	if s.store.Count() >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return Session{}, ErrAtCapacity
	}

	id := genSessionID()
	for s.store.Has(id) {
		id = genSessionID()
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		s.nameCounter++
		if s.nameCounter == 1 {
			name = s.cfg.BaseName
		} else {
			name = fmt.Sprintf("%s %d", s.cfg.BaseName, s.nameCounter)
		}
	}
	group := strings.TrimSpace(opts.Group)
	if group == "" {
		group = s.cfg.Group
	}

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	now := time.Now().UTC()
	sess := Session{
		ID:             id,
		Name:           truncate(name, MaxNameLen),
		Group:          truncate(group, MaxGroupLen),
		Cwd:            opts.Cwd,
		Status:         StatusRunning,
		DetailedState:  StateStarting,
		CreatedAt:      now,
		LastActivityAt: now,
		Cols:           cols,
		Rows:           rows,
		Task:           opts.Task,
	}
	if opts.Task != "" {
		t := now
		sess.TaskStartedAt = &t
	}

	// register before starting the driver: the first output chunk can
	// arrive before Start returns
	s.store.Add(sess)
	s.detector.Track(id)
	if opts.Task != "" {
		s.taskWaiters[id] = opts.Task + "\r"
	}

	argv := append([]string{s.cfg.AgentPath}, args...)
	pid, err := s.drv.Start(driver.StartSpec{
		ID:       id,
		Argv:     argv,
		Cwd:      opts.Cwd,
		Cols:     cols,
		Rows:     rows,
		StripEnv: s.cfg.StripEnv,
	})
	if err != nil {
		// the name counter is never reused, even for a failed spawn
		s.store.Remove(id)
		s.detector.Remove(id)
		delete(s.taskWaiters, id)
		s.mu.Unlock()
		return Session{}, err
	}
	sess.Pid = pid
	s.store.Mutate(id, func(cur *Session) { cur.Pid = pid })
	s.mu.Unlock()

	s.persistMeta(id)
	s.emit(Event{Type: EventCreated, SessionID: id, Session: &sess})
	return sess, nil
}

func (s *Supervisor) persistMeta(id string) {
	sess, ok := s.store.Get(id)
	if !ok {
		return
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	s.drv.PersistMetadata(id, data)
}

// Write injects input. A user transcript entry is recorded with any trailing
// carriage return stripped, and the assistant segment marker moves to the end
// of scrollback so the next reply is captured from here.
func (s *Supervisor) Write(id string, data []byte) error {
	sess, ok := s.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusRunning {
		return ErrNotRunning
	}
	if err := s.drv.Write(id, data); err != nil {
		return err
	}
	content := strings.TrimSuffix(string(data), "\r")
	if content != "" {
		s.store.AddTranscript(id, TranscriptEntry{
			Timestamp: time.Now().UTC(),
			Role:      RoleUser,
			Content:   content,
		})
	}
	s.store.MarkAssistantStart(id)
	return nil
}

// Resize propagates clamped dimensions; the descriptor is updated only when
// the driver accepts the resize.
func (s *Supervisor) Resize(id string, cols, rows uint16) error {
	if _, ok := s.store.Get(id); !ok {
		return ErrNotFound
	}
	if !s.drv.Resize(id, cols, rows) {
		return nil
	}
	s.store.Mutate(id, func(sess *Session) {
		sess.Cols = cols
		sess.Rows = rows
	})
	return nil
}

// Kill terminates a session and frees its id. For an already-exited
// descriptor it only removes the record: the terminal exit event was emitted
// when the session died, and exactly one exit is ever emitted per session.
func (s *Supervisor) Kill(id string) bool {
	s.mu.Lock()
	sess, ok := s.store.Get(id)
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.taskWaiters, id)
	s.store.Remove(id)
	s.detector.Remove(id)
	exited := sess.Status == StatusExited
	s.mu.Unlock()

	if exited {
		s.drv.RemoveMetadata(id)
		return true
	}

	if err := s.drv.Kill(id); err != nil {
		slog.Warn("driver kill failed", "session_id", id, "err", err)
	}
	s.drv.RemoveMetadata(id)
	code := -1
	s.emit(Event{Type: EventExit, SessionID: id, ExitCode: &code})
	return true
}

// KillAll stops backend polling first so no exit tick interleaves with the
// kill loop, then kills every session.
func (s *Supervisor) KillAll() {
	s.drv.Close()
	for _, sess := range s.store.List() {
		s.Kill(sess.ID)
	}
}

func (s *Supervisor) GetInfo(id string) (Session, bool) {
	sess, ok := s.store.Get(id)
	if !ok {
		return Session{}, false
	}
	if m, ok := s.detector.Metrics(id); ok {
		sess.TotalWorkingMs = m.WorkingMs
		sess.TotalIdleMs = m.IdleMs
		sess.TotalPermissionWaitMs = m.PermissionWaitMs
	}
	return sess, true
}

func (s *Supervisor) List() []Session {
	items := s.store.List()
	for i := range items {
		if m, ok := s.detector.Metrics(items[i].ID); ok {
			items[i].TotalWorkingMs = m.WorkingMs
			items[i].TotalIdleMs = m.IdleMs
			items[i].TotalPermissionWaitMs = m.PermissionWaitMs
		}
	}
	return items
}

func (s *Supervisor) Groups() []string { return s.store.Groups() }

func (s *Supervisor) Count() int { return s.store.Count() }

// GetScrollback returns a defensive copy of the session's scrollback.
func (s *Supervisor) GetScrollback(id string) ([]byte, bool) {
	if !s.store.Has(id) {
		return nil, false
	}
	return s.store.Scrollback(id), true
}

func (s *Supervisor) GetTranscript(id string) ([]TranscriptEntry, bool) {
	if !s.store.Has(id) {
		return nil, false
	}
	return s.store.Transcript(id), true
}

func (s *Supervisor) SetTask(id, task string) error {
	now := time.Now().UTC()
	ok := s.store.Mutate(id, func(sess *Session) {
		sess.Task = task
		sess.TaskStartedAt = &now
	})
	if !ok {
		return ErrNotFound
	}
	s.persistMeta(id)
	return nil
}

// onDriverOutput handles every output chunk: scrollback append with bounded
// eviction, activity refresh, detector feed, event emission.
func (s *Supervisor) onDriverOutput(id string, chunk []byte) {
	if !s.store.AppendOutput(id, chunk, time.Now().UTC()) {
		return
	}
	s.detector.Feed(id, chunk)
	s.emit(Event{Type: EventOutput, SessionID: id, Data: chunk})
}

// onDriverExit marks the descriptor exited and emits the terminal event. The
// descriptor stays in the store until an explicit kill removes it.
func (s *Supervisor) onDriverExit(id string, code *int) {
	s.mu.Lock()
	delete(s.taskWaiters, id)
	already := false
	ok := s.store.Mutate(id, func(sess *Session) {
		if sess.Status == StatusExited {
			already = true
			return
		}
		sess.Status = StatusExited
		sess.ExitCode = code
		sess.Pid = 0
	})
	s.mu.Unlock()
	if !ok || already {
		return
	}
	s.detector.Remove(id)
	s.emit(Event{Type: EventExit, SessionID: id, ExitCode: code})
}

// onStateChange reacts to detector transitions: descriptor sync, compaction
// counting, assistant transcript capture on working→idle, assistant segment
// reset on entering working, one-shot auto-task injection on first idle.
func (s *Supervisor) onStateChange(id string, newState, prevState DetailedState) {
	metrics, _ := s.detector.Metrics(id)
	s.store.Mutate(id, func(sess *Session) {
		sess.DetailedState = newState
		if newState == StateCompacting {
			sess.CompactionCount++
		}
		sess.TotalWorkingMs = metrics.WorkingMs
		sess.TotalIdleMs = metrics.IdleMs
		sess.TotalPermissionWaitMs = metrics.PermissionWaitMs
	})

	if prevState == StateWorking && newState == StateIdle {
		s.captureAssistantEntry(id)
	}
	if newState == StateWorking {
		s.store.MarkAssistantStart(id)
	}

	s.emit(Event{Type: EventStateChange, SessionID: id, NewState: newState, PrevState: prevState})

	if newState == StateIdle {
		s.mu.Lock()
		task, pending := s.taskWaiters[id]
		if pending {
			delete(s.taskWaiters, id)
		}
		s.mu.Unlock()
		if pending {
			if err := s.Write(id, []byte(task)); err != nil {
				slog.Warn("auto-task write failed", "session_id", id, "err", err)
			}
		}
	}
}

// captureAssistantEntry records the scrollback slice since the assistant
// segment marker as one transcript entry, control bytes stripped; empty
// content is dropped.
func (s *Supervisor) captureAssistantEntry(id string) {
	raw := s.store.AssistantSlice(id)
	content := strings.TrimSpace(stripTerminalEscapes(raw))
	if content == "" {
		return
	}
	s.store.AddTranscript(id, TranscriptEntry{
		Timestamp: time.Now().UTC(),
		Role:      RoleAssistant,
		Content:   content,
	})
}

// Recover rehydrates sessions left over from a prior supervisor instance.
// Only multiplexer-backed drivers can have any.
func (s *Supervisor) Recover() error {
	rec, ok := s.drv.(driver.Recoverer)
	if !ok {
		return nil
	}
	items, err := rec.Recover()
	if err != nil {
		return err
	}
	for _, item := range items {
		var sess Session
		if item.Meta != nil && json.Unmarshal(item.Meta, &sess) == nil && sess.ID == item.ID {
			sess.Status = StatusRunning
			sess.DetailedState = StateIdle
			sess.Pid = item.Pid
		} else {
			now := time.Now().UTC()
			sess = Session{
				ID:             item.ID,
				Name:           "recovered " + item.ID,
				Group:          "recovered",
				Cwd:            item.Cwd,
				Status:         StatusRunning,
				DetailedState:  StateIdle,
				Pid:            item.Pid,
				CreatedAt:      now,
				LastActivityAt: now,
				Cols:           80,
				Rows:           24,
			}
		}
		s.store.Add(sess)
		s.detector.Track(item.ID)
		if len(item.Bootstrap) > 0 {
			s.detector.Feed(item.ID, item.Bootstrap)
		}
		s.persistMeta(item.ID)
		s.emit(Event{Type: EventCreated, SessionID: item.ID, Session: &sess})
		slog.Info("recovered session", "session_id", item.ID, "name", sess.Name)
	}
	return nil
}
