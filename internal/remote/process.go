package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/config"
)

type ProcessStatus string

const (
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusStopped  ProcessStatus = "stopped"
	StatusFailed   ProcessStatus = "failed"
)

// Argument placeholders substituted when the server is launched
const (
	PlaceholderPort        = "{port}"
	PlaceholderUserDataDir = "{userdatadir}"
	PlaceholderChromium    = "{chromium}"
)

// Process is a locally launched automation server the harness connects to
type Process struct {
	BinaryPath  string        // Path to the server binary
	Args        []string      // Arguments after placeholder substitution
	Port        string        // Port the server listens on
	UserDataDir string        // Scratch directory for the browser profile
	Cmd         *exec.Cmd     // Command running the server
	StartedAt   time.Time     // Time when the process started
	Status      ProcessStatus // Status of the process

	ports *PortPool
}

// NewProcess prepares a server launch. It allocates a port from ports and a temp directory.
func NewProcess(binaryPath string, args []string, ports *PortPool) (*Process, error) {
	if ports == nil {
		ports = DefaultPorts
	}

	port, err := ports.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get free port: %w", err)
	}

	// Create temporary directory for browser profile
	userDataDir, err := os.MkdirTemp("", "bidi-remote-*")
	if err != nil {
		// Return port since we're failing
		ports.Return(port)
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	expanded, err := expandArgs(args, port, userDataDir)
	if err != nil {
		ports.Return(port)
		os.RemoveAll(userDataDir)
		return nil, err
	}

	return &Process{
		BinaryPath:  binaryPath,
		Args:        expanded,
		Port:        port,
		UserDataDir: userDataDir,
		Status:      StatusStarting,
		ports:       ports,
	}, nil
}

func expandArgs(args []string, port, userDataDir string) ([]string, error) {
	var chromium string
	out := make([]string, len(args))

	for i, arg := range args {
		if strings.Contains(arg, PlaceholderChromium) && chromium == "" {
			path, err := config.FindChromium()
			if err != nil {
				return nil, err
			}
			chromium = path
		}

		arg = strings.ReplaceAll(arg, PlaceholderPort, port)
		arg = strings.ReplaceAll(arg, PlaceholderUserDataDir, userDataDir)
		arg = strings.ReplaceAll(arg, PlaceholderChromium, chromium)
		out[i] = arg
	}
	return out, nil
}

// Start launches the server process
func (p *Process) Start() error {
	p.Cmd = exec.Command(p.BinaryPath, p.Args...)
	p.Cmd.Stdout = os.Stderr
	p.Cmd.Stderr = os.Stderr

	if err := p.Cmd.Start(); err != nil {
		p.Status = StatusFailed
		return fmt.Errorf("failed to start remote server: %w", err)
	}

	p.Status = StatusRunning
	p.StartedAt = time.Now()

	slog.Info("remote server started", "binary", p.BinaryPath, "port", p.Port, "pid", p.GetPID())
	return nil
}

// WaitReady polls until the server accepts TCP connections on its port
func (p *Process) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", "localhost:"+p.Port, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}

		if !p.IsAlive() {
			return fmt.Errorf("remote server exited before accepting connections")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("remote server not ready on port %s: %w", p.Port, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop gracefully terminates the server process
func (p *Process) Stop() error {
	// Check if process was ever started
	if p.Cmd == nil || p.Cmd.Process == nil {
		return fmt.Errorf("process was never started")
	}

	// Send SIGTERM for graceful shutdown
	if err := p.Cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("failed to send termination signal", "pid", p.GetPID(), "error", err)
	}

	// Wait for process to exit with timeout
	done := make(chan error, 1)
	go func() {
		done <- p.Cmd.Wait()
	}()

	select {
	case err := <-done:
		// Process exited gracefully
		if err != nil && err.Error() != "signal: terminated" {
			slog.Debug("remote server exit status", "error", err)
		}
	case <-time.After(5 * time.Second):
		// Timeout exceeded - force kill
		if err := p.Cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to force kill process: %w", err)
		}
		<-done
	}

	// Clean up the user data directory
	if err := os.RemoveAll(p.UserDataDir); err != nil {
		return fmt.Errorf("failed to remove user data directory: %w", err)
	}

	p.Status = StatusStopped
	p.ports.Return(p.Port)

	slog.Info("remote server stopped", "port", p.Port)
	return nil
}

// IsAlive checks if the process is still running
func (p *Process) IsAlive() bool {
	if p.Cmd == nil || p.Cmd.Process == nil {
		return false
	}
	if p.Cmd.ProcessState != nil {
		return false
	}

	// Send signal 0 - checks existence without affecting the process
	err := p.Cmd.Process.Signal(syscall.Signal(0))
	return err == nil
}

// GetPID returns the process ID if the process is running
func (p *Process) GetPID() int {
	if p.Cmd != nil && p.Cmd.Process != nil {
		return p.Cmd.Process.Pid
	}
	return 0
}

// URL returns the websocket endpoint of the launched server
func (p *Process) URL() string {
	return fmt.Sprintf("ws://localhost:%s/session", p.Port)
}
