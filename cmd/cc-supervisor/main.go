package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cc-supervisor/internal/core"
	"cc-supervisor/internal/driver"
	"cc-supervisor/internal/httpapi"
	"cc-supervisor/internal/notify"
	"cc-supervisor/internal/security"
	"cc-supervisor/internal/ws"
)

const (
	tokenEnv = "CC_SUPERVISOR_TOKEN"
	hostEnv  = "CC_SUPERVISOR_HOST"
	portEnv  = "CC_SUPERVISOR_PORT"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})))

	home, _ := os.UserHomeDir()
	defaultStateDir := filepath.Join(home, ".cc-supervisor")

	var (
		addr          = flag.String("addr", getenv(hostEnv, "127.0.0.1"), "bind address")
		port          = flag.Int("port", getenvInt(portEnv, 18900), "listen port")
		token         = flag.String("token", getenv(tokenEnv, ""), "auth token (generated when empty)")
		backend       = flag.String("backend", "auto", "session backend: tmux | pty | auto")
		agentPath     = flag.String("agent-path", getenv("CC_AGENT_PATH", "claude"), "agent executable")
		skipPerms     = flag.Bool("skip-permissions", getenvBool("CC_SKIP_PERMISSIONS", false), "inject --dangerously-skip-permissions by default")
		browse        = flag.Bool("browse", false, "enable the home-rooted browse endpoint")
		extraArgsCSV  = flag.String("allow-args", "", "comma-separated extra allowed argv flags")
		webhookURL    = flag.String("webhook-url", getenv("CC_WEBHOOK_URL", ""), "webhook for state-change and exit events")
		transcriptDir = flag.String("transcript-dir", "", "directory for transcripts written on session exit")
		transcriptMax = flag.Int("transcript-max", 500, "max transcript entries per session")
		auditRing     = flag.Int("audit-ring", 1000, "in-memory audit ring size")
		auditPath     = flag.String("audit-path", "", "audit jsonl path")
		stateDir      = flag.String("state-dir", defaultStateDir, "per-user state directory")
	)
	flag.Parse()

	authToken := strings.TrimSpace(*token)
	if authToken == "" {
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			slog.Error("token generation failed", "err", err)
			os.Exit(1)
		}
		authToken = hex.EncodeToString(b)
		slog.Info("generated auth token", "token", authToken)
	}
	if len(authToken) < 8 {
		slog.Error("auth token must be at least 8 characters")
		os.Exit(1)
	}

	if err := os.MkdirAll(*stateDir, 0o700); err != nil {
		slog.Error("state dir create failed", "dir", *stateDir, "err", err)
		os.Exit(1)
	}

	useTmux := false
	switch *backend {
	case "tmux":
		if !driver.TmuxAvailable() {
			slog.Error("backend tmux selected but the tmux daemon is not installed")
			os.Exit(1)
		}
		useTmux = true
	case "pty":
	case "auto":
		useTmux = driver.TmuxAvailable()
	default:
		slog.Error("invalid backend", "backend", *backend)
		os.Exit(1)
	}

	audit, err := core.NewAuditLogger(*auditPath, *auditRing)
	if err != nil {
		slog.Error("audit init failed", "err", err)
		os.Exit(1)
	}
	defer audit.Close()

	sup, err := core.NewSupervisor(core.SupervisorConfig{
		AgentPath:              *agentPath,
		ArgPolicy:              security.NewArgPolicy(splitCSV(*extraArgsCSV)),
		StripEnv:               []string{tokenEnv, hostEnv, portEnv},
		SkipPermissionsDefault: *skipPerms,
		TranscriptMax:          *transcriptMax,
	}, func(cb driver.Callbacks) (driver.Driver, error) {
		if useTmux {
			return driver.NewTmuxDriver(cb, *stateDir)
		}
		return driver.NewPTYDriver(cb), nil
	})
	if err != nil {
		slog.Error("supervisor init failed", "err", err)
		os.Exit(1)
	}

	if *webhookURL != "" {
		sup.AddListener(notify.NewNotifier(*webhookURL).Handle)
	}
	if *transcriptDir != "" {
		attachTranscriptWriter(sup, *transcriptDir)
	}

	bridge := ws.NewBridge(sup, authToken)

	api := &httpapi.Server{
		Sup:           sup,
		WS:            bridge,
		Token:         authToken,
		Audit:         audit,
		SpawnLimiter:  core.NewRateLimiter(10, time.Minute),
		BrowseEnabled: *browse,
		BrowseRoot:    home,
	}
	stopSweeper := make(chan struct{})
	api.StartSweeper(stopSweeper)

	if useTmux {
		if err := sup.Recover(); err != nil {
			slog.Warn("session recovery failed", "err", err)
		}
	}

	listen := fmt.Sprintf("%s:%d", *addr, *port)
	connFile := filepath.Join(*stateDir, "connection.json")
	writeConnectionFile(connFile, *addr, *port)

	srv := &http.Server{
		Addr:              listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("cc-supervisor listening", "addr", listen, "backend", backendName(useTmux))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("cc-supervisor shutting down")

	close(stopSweeper)
	sup.KillAll()
	bridge.Close()
	_ = os.Remove(connFile)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func backendName(useTmux bool) string {
	if useTmux {
		return "tmux"
	}
	return "pty"
}

func writeConnectionFile(path, addr string, port int) {
	data, _ := json.Marshal(map[string]any{
		"addr": addr,
		"port": port,
		"pid":  os.Getpid(),
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		slog.Warn("connection file write failed", "path", path, "err", err)
	}
}

// attachTranscriptWriter dumps a session's transcript to disk when it exits on
// its own. Sessions ended by Kill (including KillAll at shutdown) are already
// gone from the store when their exit event fires, so nothing is written for
// them.
func attachTranscriptWriter(sup *core.Supervisor, dir string) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("transcript dir create failed", "dir", dir, "err", err)
		return
	}
	sup.AddListener(func(ev core.Event) {
		if ev.Type != core.EventExit {
			return
		}
		entries, ok := sup.GetTranscript(ev.SessionID)
		if !ok || len(entries) == 0 {
			return
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return
		}
		path := filepath.Join(dir, ev.SessionID+".json")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			slog.Warn("transcript write failed", "path", path, "err", err)
		}
	})
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(k, fallback string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fallback
}

func getenvInt(k string, fallback int) int {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func getenvBool(k string, fallback bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true") || v == "yes"
}
