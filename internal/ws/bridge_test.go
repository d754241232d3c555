package ws

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cc-supervisor/internal/core"
	"cc-supervisor/internal/driver"
)

type fakeDriver struct {
	mu     sync.Mutex
	cb     driver.Callbacks
	writes map[string][][]byte
	resizes []string
}

func newFakeDriver(cb driver.Callbacks) *fakeDriver {
	return &fakeDriver{cb: cb, writes: make(map[string][][]byte)}
}

func (f *fakeDriver) Kind() string { return "fake" }

func (f *fakeDriver) Start(driver.StartSpec) (int, error) { return 4242, nil }

func (f *fakeDriver) Write(id string, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[id] = append(f.writes[id], append([]byte(nil), p...))
	return nil
}

func (f *fakeDriver) Resize(id string, cols, rows uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, id)
	return true
}

func (f *fakeDriver) Kill(string) error          { return nil }
func (f *fakeDriver) PersistMetadata(string, []byte) {}
func (f *fakeDriver) RemoveMetadata(string)          {}
func (f *fakeDriver) Close()                         {}

const testToken = "bridge-test-token"

func newTestBridge(t *testing.T) (*core.Supervisor, *fakeDriver, *httptest.Server) {
	t.Helper()
	var fd *fakeDriver
	sup, err := core.NewSupervisor(core.SupervisorConfig{AgentPath: "claude"},
		func(cb driver.Callbacks) (driver.Driver, error) {
			fd = newFakeDriver(cb)
			return fd, nil
		})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	bridge := NewBridge(sup, testToken)
	srv := httptest.NewServer(bridge)
	t.Cleanup(func() {
		srv.Close()
		bridge.Close()
	})
	return sup, fd, srv
}

func dialBridge(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func readUntil(t *testing.T, conn *websocket.Conn, frameType string) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("frame %q never arrived", frameType)
	return frame{}
}

func TestBridge_RejectsBadToken(t *testing.T) {
	_, _, srv := newTestBridge(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("bad token must abort the upgrade")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %v", resp)
	}
}

func TestBridge_SendsSessionListOnConnect(t *testing.T) {
	sup, _, srv := newTestBridge(t)
	sess, _ := sup.Spawn(core.SpawnOptions{Cwd: t.TempDir()})
	conn := dialBridge(t, srv, testToken)
	f := readFrame(t, conn)
	if f.Type != frameSessions {
		t.Fatalf("first frame: got %q", f.Type)
	}
	if len(f.Sessions) != 1 || f.Sessions[0].ID != sess.ID {
		t.Fatalf("session list: %+v", f.Sessions)
	}
}

func TestBridge_SubscribeSnapshotThenOutput(t *testing.T) {
	sup, fd, srv := newTestBridge(t)
	sess, _ := sup.Spawn(core.SpawnOptions{Cwd: t.TempDir()})

	// buffer 1500 bytes of scrollback before anyone subscribes
	buffered := bytes.Repeat([]byte("a"), 1500)
	fd.cb.Output(sess.ID, buffered)

	conn := dialBridge(t, srv, testToken)
	readUntil(t, conn, frameSessions)

	cols, rows := 80.0, 24.0
	sub := clientMessage{Type: "subscribe", SessionID: sess.ID, Cols: &cols, Rows: &rows}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// the resize marks the subscribe as processed server-side; deliver
	// fresh output right behind it, racing the snapshot delivery
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fd.mu.Lock()
		n := len(fd.resizes)
		fd.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	fd.cb.Output(sess.ID, []byte("hello world"))

	snap := readUntil(t, conn, frameScrollback)
	data, err := base64.StdEncoding.DecodeString(snap.Data)
	if err != nil || !bytes.Equal(data, buffered) {
		t.Fatalf("scrollback snapshot: %d bytes, err %v", len(data), err)
	}

	out := readUntil(t, conn, frameOutput)
	payload, _ := base64.StdEncoding.DecodeString(out.Data)
	if !bytes.Contains(payload, []byte("hello world")) {
		t.Fatalf("output frame: got %q", payload)
	}

	fd.mu.Lock()
	resized := len(fd.resizes)
	fd.mu.Unlock()
	if resized == 0 {
		t.Fatal("subscribe with dimensions must resize")
	}
}

func TestBridge_InputReachesDriver(t *testing.T) {
	sup, fd, srv := newTestBridge(t)
	sess, _ := sup.Spawn(core.SpawnOptions{Cwd: t.TempDir()})
	conn := dialBridge(t, srv, testToken)
	readUntil(t, conn, frameSessions)

	msg := clientMessage{
		Type:      "input",
		SessionID: sess.ID,
		Data:      base64.StdEncoding.EncodeToString([]byte("ls\r")),
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("input: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fd.mu.Lock()
		n := len(fd.writes[sess.ID])
		fd.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("input never reached the driver")
}

func TestBridge_MalformedMessageKeepsConnection(t *testing.T) {
	sup, _, srv := newTestBridge(t)
	sess, _ := sup.Spawn(core.SpawnOptions{Cwd: t.TempDir()})
	conn := dialBridge(t, srv, testToken)
	readUntil(t, conn, frameSessions)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{this is not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readUntil(t, conn, frameError)
	if f.Message == "" {
		t.Fatal("error frame must carry a message")
	}

	if err := conn.WriteJSON(clientMessage{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, frameError)

	// the connection survives and still services requests
	if err := conn.WriteJSON(clientMessage{Type: "subscribe", SessionID: sess.ID}); err != nil {
		t.Fatalf("subscribe after error: %v", err)
	}
	readUntil(t, conn, frameScrollback)
}

func TestBridge_NoOutputAfterExitFrame(t *testing.T) {
	sup, fd, srv := newTestBridge(t)
	sess, _ := sup.Spawn(core.SpawnOptions{Cwd: t.TempDir()})
	conn := dialBridge(t, srv, testToken)
	readUntil(t, conn, frameSessions)
	if err := conn.WriteJSON(clientMessage{Type: "subscribe", SessionID: sess.ID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	readUntil(t, conn, frameScrollback)

	fd.cb.Output(sess.ID, []byte("last words"))
	code := 0
	fd.cb.Exit(sess.ID, &code)

	var sawOutput bool
	for {
		f := readFrame(t, conn)
		if f.Type == frameOutput {
			sawOutput = true
			continue
		}
		if f.Type == frameExited {
			break
		}
	}
	if !sawOutput {
		t.Fatal("buffered output must flush before the exit frame")
	}
}

func TestBridge_OversizedInputRejectedSilently(t *testing.T) {
	sup, fd, srv := newTestBridge(t)
	sess, _ := sup.Spawn(core.SpawnOptions{Cwd: t.TempDir()})
	conn := dialBridge(t, srv, testToken)
	readUntil(t, conn, frameSessions)

	huge := bytes.Repeat([]byte("x"), maxInputBytes+1)
	msg := clientMessage{
		Type:      "input",
		SessionID: sess.ID,
		Data:      base64.StdEncoding.EncodeToString(huge),
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("input: %v", err)
	}
	// a follow-up valid input still works and is the only write seen
	small := clientMessage{
		Type:      "input",
		SessionID: sess.ID,
		Data:      base64.StdEncoding.EncodeToString([]byte("ok")),
	}
	if err := conn.WriteJSON(small); err != nil {
		t.Fatalf("input: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fd.mu.Lock()
		n := len(fd.writes[sess.ID])
		fd.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.writes[sess.ID]) != 1 || string(fd.writes[sess.ID][0]) != "ok" {
		t.Fatalf("oversized input must be dropped: writes %v", fd.writes[sess.ID])
	}
}
