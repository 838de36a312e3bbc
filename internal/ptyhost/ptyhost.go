// Package ptyhost spawns session programs on a pseudo-terminal.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrNoCandidate = errors.New("no launchable program")
	ErrClosed      = errors.New("process closed")
)

const (
	defaultRows = 24
	defaultCols = 80
	closeGrace  = 2 * time.Second
	readBufSize = 16 * 1024
)

// LaunchSpec describes what to run. Program falls back to DefaultTerminal,
// then $SHELL, then /bin/sh.
type LaunchSpec struct {
	Program         string
	Args            []string
	DefaultTerminal string
	Dir             string
	Env             []string
	Rows            int
	Cols            int
}

// Candidate is one entry of the launch fallback chain.
type Candidate struct {
	Path   string
	Args   []string
	Source string
}

// Candidates returns the fallback chain in order, without duplicates.
// Args only apply to the configured program.
func Candidates(spec LaunchSpec, shell string) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	add := func(path string, args []string, source string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		out = append(out, Candidate{Path: path, Args: args, Source: source})
	}
	add(spec.Program, spec.Args, "configured")
	add(spec.DefaultTerminal, nil, "default_terminal")
	add(shell, nil, "shell_env")
	add("/bin/sh", nil, "platform_default")
	return out
}

// Process is a program attached to a PTY master.
type Process struct {
	Program string
	Source  string

	cmd    *exec.Cmd
	ptmx   *os.File
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	exitCode int
}

// Start launches the first candidate that starts. Every failed attempt is
// logged; only exhausting the chain is an error.
func Start(spec LaunchSpec, logger *zap.Logger) (*Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rows, cols := spec.Rows, spec.Cols
	if rows <= 0 {
		rows = defaultRows
	}
	if cols <= 0 {
		cols = defaultCols
	}
	var errs []error
	for _, c := range Candidates(spec, os.Getenv("SHELL")) {
		p, err := start(c, spec, rows, cols, logger)
		if err == nil {
			return p, nil
		}
		logger.Warn("launch attempt failed", zap.String("program", c.Path), zap.String("source", c.Source), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", c.Path, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoCandidate, errors.Join(errs...))
}

func start(c Candidate, spec LaunchSpec, rows, cols int, logger *zap.Logger) (*Process, error) {
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, c.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}
	p := &Process{
		Program: path,
		Source:  c.Source,
		cmd:     cmd,
		ptmx:    ptmx,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go p.wait()
	logger.Info("session program started", zap.String("program", path), zap.String("source", c.Source), zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					code = 128 + int(ws.Signal())
				} else {
					code = ws.ExitStatus()
				}
			}
		}
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return p.ptmx.Write(b)
}

func (p *Process) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid size %dx%d", rows, cols)
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// ReadLoop hands every chunk read from the PTY to fn until the program
// exits or the PTY is closed. A normal end returns nil.
func (p *Process) ReadLoop(fn func(chunk []byte)) error {
	buf := make([]byte, readBufSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err == nil {
			continue
		}
		// Linux reports EIO once the slave side is gone.
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO) {
			return nil
		}
		return err
	}
}

// Done is closed once the program has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid after Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Close hangs up the PTY and terminates the program's process group,
// escalating to SIGKILL if it outlives the grace period or ctx.
func (p *Process) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	closeErr := p.ptmx.Close()
	p.signal(unix.SIGTERM)

	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.signal(unix.SIGKILL)
		<-p.done
	case <-ctx.Done():
		p.signal(unix.SIGKILL)
		<-p.done
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return closeErr
	}
	return nil
}

func (p *Process) signal(sig unix.Signal) {
	select {
	case <-p.done:
		return
	default:
	}
	pid := p.cmd.Process.Pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		if err := unix.Kill(-pgid, sig); err == nil {
			return
		}
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Debug("signal session program failed", zap.Int("pid", pid), zap.String("signal", sig.String()), zap.Error(err))
	}
}
