package ar

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/taskforge/taskforge/internal/logging"
	"go.uber.org/zap"
)

// Launcher starts and stops the out-of-process AR and reports whether it
// is currently alive. Runtime holds exactly one Launcher.
type Launcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// SubprocessLauncher spawns the AR as a child process and supervises it,
// adapted from the agent launcher's process-group/health-poll pattern:
// the child is placed in its own process group with a parent-death
// signal so it never outlives a crashed taskforged, health is confirmed
// by polling an HTTP endpoint with exponential backoff, and Stop tries
// SIGTERM before escalating to SIGKILL.
type SubprocessLauncher struct {
	binaryPath string
	hostname   string
	port       int
	extraEnv   []string
	logger     *logging.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	stopping bool
}

// NewSubprocessLauncher builds a launcher for the given AR binary.
func NewSubprocessLauncher(binaryPath, hostname string, port int, extraEnv []string, logger *logging.Logger) *SubprocessLauncher {
	return &SubprocessLauncher{
		binaryPath: binaryPath,
		hostname:   hostname,
		port:       port,
		extraEnv:   extraEnv,
		logger:     logger,
	}
}

// Start launches the AR subprocess and blocks until it answers health
// checks or the deadline below is exceeded.
func (l *SubprocessLauncher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cmd != nil {
		l.mu.Unlock()
		return fmt.Errorf("ar launcher: already running")
	}
	if err := l.checkPortAvailable(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("ar launcher: %w", err)
	}

	cmd := exec.Command(l.binaryPath, "serve",
		"--hostname", l.hostname,
		"--port", strconv.Itoa(l.port),
	)
	cmd.Env = append(os.Environ(), l.extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("ar launcher: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("ar launcher: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("ar launcher: start: %w", err)
	}

	l.cmd = cmd
	l.exited = make(chan struct{})
	l.stopping = false
	exited := l.exited
	l.mu.Unlock()

	go l.pipeOutput(stdout, "stdout")
	go l.pipeOutput(stderr, "stderr")
	go l.monitorExit(cmd, exited)

	if err := l.waitForHealthy(ctx, exited); err != nil {
		_ = l.Stop(ctx)
		return fmt.Errorf("ar launcher: %w", err)
	}
	return nil
}

// Stop sends SIGTERM, waits briefly, then escalates to SIGKILL.
func (l *SubprocessLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	cmd := l.cmd
	exited := l.exited
	if cmd == nil {
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	l.mu.Unlock()

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
		}
	case <-ctx.Done():
	}

	l.mu.Lock()
	l.cmd = nil
	l.mu.Unlock()
	return nil
}

// Running reports whether the subprocess is currently alive.
func (l *SubprocessLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil {
		return false
	}
	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}

func (l *SubprocessLauncher) pipeOutput(r interface{ Read([]byte) (int, error) }, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.logger.WithFields(zap.String("source", "ar"), zap.String("stream", stream)).Info(scanner.Text())
	}
}

func (l *SubprocessLauncher) monitorExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()
	if err != nil && !stopping {
		l.logger.WithError(err).Warn("ar subprocess exited unexpectedly")
	}
	close(exited)
}

func (l *SubprocessLauncher) waitForHealthy(ctx context.Context, exited chan struct{}) error {
	return pollHealthyUntil(ctx, l.hostname, l.port, exited)
}

// pollHealthy polls the AR's health endpoint with exponential backoff
// until it answers 200, the 30s deadline passes, or ctx is cancelled.
func pollHealthy(ctx context.Context, hostname string, port int) error {
	return pollHealthyUntil(ctx, hostname, port, nil)
}

func pollHealthyUntil(ctx context.Context, hostname string, port int, exited chan struct{}) error {
	deadline := time.Now().Add(30 * time.Second)
	backoff := 100 * time.Millisecond
	url := fmt.Sprintf("http://%s:%d/health", hostname, port)

	client := &http.Client{Timeout: 2 * time.Second}
	for {
		select {
		case <-exited:
			return fmt.Errorf("subprocess exited before becoming healthy")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("health check deadline exceeded")
		}
		select {
		case <-time.After(backoff):
		case <-exited:
			return fmt.Errorf("subprocess exited before becoming healthy")
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
}

func (l *SubprocessLauncher) checkPortAvailable() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", l.hostname, l.port))
	if err != nil {
		return fmt.Errorf("port %d unavailable: %w", l.port, err)
	}
	return ln.Close()
}
