// cmd/termconsensus-reviewer/main.go
//
// termconsensus-reviewer keeps a validator's review session open against a
// termconsensus server so the validator stays online for reviewer draws.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/termconsensus/internal/identity"
	"github.com/ssd-technologies/termconsensus/internal/mesh"
)

const heartbeatInterval = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: termconsensus-reviewer <connect|disconnect|status>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "connect":
		cmdConnect()
	case "disconnect":
		cmdDisconnect()
	case "status":
		cmdStatus()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		fmt.Println("Usage: termconsensus-reviewer <connect|disconnect|status>")
		os.Exit(1)
	}
}

func reviewerDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".termconsensus")
}

func parseFlag(args []string, name, env string) string {
	for i, arg := range args {
		if arg == "--"+name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"=")
		}
	}
	return os.Getenv(env)
}

type sessionStats struct {
	Identity      string `json:"identity"`
	Session       string `json:"session"`
	Server        string `json:"server"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Heartbeats    int    `json:"heartbeats"`
}

func writeStats(path string, stats sessionStats) {
	data, _ := json.Marshal(stats)
	_ = os.WriteFile(path, data, 0600)
}

// processAlive reports whether the PID in pidFile names a running process.
func processAlive(pidFile string) (int, bool) {
	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// On Unix, FindProcess always succeeds. Signal 0 checks liveness.
	return pid, process.Signal(syscall.Signal(0)) == nil
}

func cmdConnect() {
	dir := reviewerDir()
	pidFile := filepath.Join(dir, "reviewer.pid")
	statsFile := filepath.Join(dir, "stats.json")

	if pid, alive := processAlive(pidFile); alive {
		fmt.Fprintf(os.Stderr, "Error: reviewer already running (PID %d)\n", pid)
		os.Exit(1)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: creating directories: %v\n", err)
		os.Exit(1)
	}

	keyFile := parseFlag(os.Args[2:], "key", "TERMCONSENSUS_KEY")
	if keyFile == "" {
		keyFile = filepath.Join(dir, "validator.key")
	}
	_, priv, err := identity.LoadOrGenerateKeypair(keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	serverURL := parseFlag(os.Args[2:], "server", "TERMCONSENSUS_WS")
	if serverURL == "" {
		fmt.Fprintln(os.Stderr, "Error: set --server or TERMCONSENSUS_WS")
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connecting to server: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	var welcome struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	if err := conn.ReadJSON(&welcome); err != nil || welcome.Type != "welcome" {
		fmt.Fprintf(os.Stderr, "Error: no welcome from server: %v\n", err)
		os.Exit(1)
	}
	sessionID := welcome.Payload["session_id"]

	helloPayload, _ := json.Marshal(mesh.SignHello(sessionID, priv))
	if err := conn.WriteJSON(mesh.WSMessage{Type: "hello", Payload: helloPayload}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: sending hello: %v\n", err)
		os.Exit(1)
	}
	var resp struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading hello response: %v\n", err)
		os.Exit(1)
	}
	if resp.Type != "hello_ack" {
		fmt.Fprintf(os.Stderr, "Error: hello refused: %v\n", resp.Payload["error"])
		os.Exit(1)
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: writing PID file: %v\n", err)
		os.Exit(1)
	}

	startTime := time.Now()
	stats := sessionStats{
		Identity: fmt.Sprint(resp.Payload["identity"]),
		Session:  sessionID,
		Server:   serverURL,
	}
	writeStats(statsFile, stats)
	fmt.Printf("Connected as %s (session %s)\n", stats.Identity, sessionID)

	beats := make(chan struct{}, 1)
	go func() {
		for {
			var ack struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&ack); err != nil {
				return
			}
			if ack.Type == "heartbeat_ack" {
				select {
				case beats <- struct{}{}:
				default:
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(mesh.WSMessage{Type: "heartbeat", Payload: json.RawMessage("{}")}); err != nil {
				fmt.Fprintf(os.Stderr, "Error: heartbeat: %v\n", err)
				break loop
			}
		case <-beats:
			stats.Heartbeats++
			stats.UptimeSeconds = int64(time.Since(startTime).Seconds())
			writeStats(statsFile, stats)
		case <-sigCh:
			break loop
		}
	}

	fmt.Println("\nShutting down...")
	_ = conn.WriteJSON(mesh.WSMessage{Type: "disconnect", Payload: json.RawMessage("{}")})
	stats.UptimeSeconds = int64(time.Since(startTime).Seconds())
	writeStats(statsFile, stats)
	os.Remove(pidFile)
	fmt.Println("Disconnected.")
}

func cmdDisconnect() {
	pidFile := filepath.Join(reviewerDir(), "reviewer.pid")
	pid, alive := processAlive(pidFile)
	if !alive {
		fmt.Fprintln(os.Stderr, "Error: no running reviewer found")
		os.Exit(1)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: finding process %d: %v\n", pid, err)
		os.Exit(1)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error: sending signal to process %d: %v\n", pid, err)
		os.Exit(1)
	}
	fmt.Println("Disconnect requested.")
}

func cmdStatus() {
	dir := reviewerDir()
	data, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: no stats available (reviewer may not be running)")
		os.Exit(1)
	}
	var stats sessionStats
	if err := json.Unmarshal(data, &stats); err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading stats: %v\n", err)
		os.Exit(1)
	}

	statusStr := "offline"
	if _, alive := processAlive(filepath.Join(dir, "reviewer.pid")); alive {
		statusStr = "online"
	}

	fmt.Printf("Identity:   %s\n", stats.Identity)
	fmt.Printf("Status:     %s\n", statusStr)
	fmt.Printf("Server:     %s\n", stats.Server)
	fmt.Printf("Session:    %s\n", stats.Session)
	fmt.Printf("Uptime:     %s\n", formatDuration(time.Duration(stats.UptimeSeconds)*time.Second))
	fmt.Printf("Heartbeats: %d\n", stats.Heartbeats)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
