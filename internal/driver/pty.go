package driver

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"cc-supervisor/internal/security"
)

type ptyProc struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// PTYDriver forks agents as children of the supervisor with a pseudoterminal
// master owned by this process. Output and exit arrive as push callbacks.
type PTYDriver struct {
	mu    sync.Mutex
	cb    Callbacks
	procs map[string]*ptyProc
}

func NewPTYDriver(cb Callbacks) *PTYDriver {
	return &PTYDriver{
		cb:    cb,
		procs: make(map[string]*ptyProc),
	}
}

func (d *PTYDriver) Kind() string { return "pty" }

func (d *PTYDriver) Start(spec StartSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, errors.New("empty argv")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = security.StripEnv(os.Environ(), spec.StripEnv)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return 0, err
	}

	p := &ptyProc{cmd: cmd, ptmx: ptmx}
	d.mu.Lock()
	d.procs[spec.ID] = p
	d.mu.Unlock()

	go d.readLoop(spec.ID, ptmx)
	go d.waitLoop(spec.ID, p)
	return cmd.Process.Pid, nil
}

func (d *PTYDriver) readLoop(id string, ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if d.cb.Output != nil {
				d.cb.Output(id, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *PTYDriver) waitLoop(id string, p *ptyProc) {
	err := p.cmd.Wait()
	var code *int
	if err != nil {
		var ex *exec.ExitError
		if errors.As(err, &ex) {
			c := ex.ExitCode()
			code = &c
		}
	} else if p.cmd.ProcessState != nil {
		c := p.cmd.ProcessState.ExitCode()
		code = &c
	}

	d.mu.Lock()
	if d.procs[id] == p {
		delete(d.procs, id)
	}
	d.mu.Unlock()
	_ = p.ptmx.Close()

	if d.cb.Exit != nil {
		d.cb.Exit(id, code)
	}
}

func (d *PTYDriver) Write(id string, data []byte) error {
	d.mu.Lock()
	p := d.procs[id]
	d.mu.Unlock()
	if p == nil {
		return errors.New("session not found")
	}
	_, err := p.ptmx.Write(data)
	return err
}

func (d *PTYDriver) Resize(id string, cols, rows uint16) bool {
	d.mu.Lock()
	p := d.procs[id]
	d.mu.Unlock()
	if p == nil {
		return false
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}) == nil
}

// Kill sends SIGTERM and escalates to SIGKILL if the child is still alive
// shortly after. The wait loop observes the death and fires the exit
// callback; the supervisor has already detached by then.
func (d *PTYDriver) Kill(id string) error {
	d.mu.Lock()
	p := d.procs[id]
	d.mu.Unlock()
	if p == nil {
		return errors.New("session not found")
	}
	proc := p.cmd.Process
	if proc == nil {
		return nil
	}
	_ = proc.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(3 * time.Second)
		if p.cmd.ProcessState == nil {
			_ = proc.Kill()
		}
	}()
	return nil
}

func (d *PTYDriver) PersistMetadata(string, []byte) {}
func (d *PTYDriver) RemoveMetadata(string)          {}

func (d *PTYDriver) Close() {}
