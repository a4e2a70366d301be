// Package rpc runs agent subprocesses, one per session file, and frames
// line-delimited JSON commands over their stdio. Responses correlate by id;
// streaming events accumulate assistant text until agent_end.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/rho-bridge/internal/slash"
)

// Sentinel errors callers branch on.
var (
	ErrBusy     = errors.New("RPC session busy")
	ErrDisposed = errors.New("RPC session disposed")
	ErrTimeout  = errors.New("rpc: prompt timed out")
)

const (
	discoveryTimeout = 5 * time.Second
	slashAckDelay    = 1500 * time.Millisecond
	cancelGrace      = 2 * time.Second
)

// Image is an inline attachment for a prompt.
type Image struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Config configures the runner.
type Config struct {
	// AgentCommand is the agent binary and base arguments; "--mode rpc" is
	// appended at spawn.
	AgentCommand []string

	// WorkDir is the directory agents run in and report as their path.
	WorkDir string

	// InteractiveOnly names commands that exist agent-side but cannot run
	// over the bridge.
	InteractiveOnly map[string]bool

	Logger *slog.Logger
}

// Runner is the keyed subprocess pool.
type Runner struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	disposed bool
}

func NewRunner(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, sessions: make(map[string]*session)}
}

// RunPrompt sends message to the agent owning sessionFile and waits for the
// reply. timeoutMs of 0 means unbounded. Slash messages are classified against
// the discovered inventory first; anything but a supported command is
// rejected.
func (r *Runner) RunPrompt(ctx context.Context, sessionFile, message string, timeoutMs int64, images []Image) (string, error) {
	s, err := r.sessionFor(sessionFile)
	if err != nil {
		return "", err
	}

	forward := message
	var slashName, slashArgs string
	if p := slash.Parse(message); p.Kind == slash.KindSlash {
		inventory, err := s.commands(discoveryTimeout)
		if err != nil {
			return "", fmt.Errorf("rpc: command discovery: %w", err)
		}
		c := slash.Classify(message, inventory, r.cfg.InteractiveOnly)
		switch c.Class {
		case slash.ClassSupported:
			slashName, slashArgs = p.CommandName, p.Args
			forward = "/" + c.Name
			if p.Args != "" {
				forward += " " + p.Args
			}
		case slash.ClassInteractiveOnly:
			return "", fmt.Errorf("rpc: /%s is interactive-only and cannot run here", p.CommandName)
		case slash.ClassInvalid:
			return "", fmt.Errorf("rpc: invalid command %q", message)
		default:
			return "", fmt.Errorf("rpc: unknown command /%s", p.CommandName)
		}
	}

	done, err := s.startPrompt(forward, slashName, slashArgs, images)
	if err != nil {
		return "", err
	}

	var timeoutC <-chan time.Time
	if timeoutMs > 0 {
		t := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer t.Stop()
		timeoutC = t.C
	}
	select {
	case out := <-done:
		return out.text, out.err
	case <-timeoutC:
		s.abandonPrompt()
		return "", ErrTimeout
	case <-ctx.Done():
		s.abandonPrompt()
		return "", ctx.Err()
	}
}

// CancelSession asks the subprocess to abort its current prompt, then kills it
// if it does not settle within the grace period.
func (r *Runner) CancelSession(sessionFile, reason string) {
	r.mu.Lock()
	s := r.sessions[sessionFile]
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel(reason)
}

// DropSession tears down the subprocess for sessionFile so the next prompt
// respawns it.
func (r *Runner) DropSession(sessionFile string) {
	r.mu.Lock()
	s := r.sessions[sessionFile]
	delete(r.sessions, sessionFile)
	r.mu.Unlock()
	if s != nil {
		s.terminate(ErrDisposed)
	}
}

// Dispose terminates every subprocess and rejects pending prompts.
func (r *Runner) Dispose() {
	r.mu.Lock()
	r.disposed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.terminate(ErrDisposed)
	}
}

func (r *Runner) sessionFor(sessionFile string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, ErrDisposed
	}
	if s, ok := r.sessions[sessionFile]; ok && !s.dead() {
		return s, nil
	}
	s, err := r.spawn(sessionFile)
	if err != nil {
		return nil, err
	}
	r.sessions[sessionFile] = s
	return s, nil
}

func (r *Runner) spawn(sessionFile string) (*session, error) {
	if len(r.cfg.AgentCommand) == 0 {
		return nil, errors.New("rpc: no agent command configured")
	}
	args := append(append([]string{}, r.cfg.AgentCommand[1:]...), "--mode", "rpc")
	cmd := exec.Command(r.cfg.AgentCommand[0], args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), "RHO_TELEGRAM_DISABLE=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rpc: start agent: %w", err)
	}

	s := newSession(sessionFile, stdin, stdout, stderr, &osProcess{cmd: cmd}, r.cfg.Logger)
	go func() {
		_ = cmd.Wait()
		s.terminate(fmt.Errorf("rpc: agent exited"))
	}()

	if err := s.writeLine(map[string]any{
		"type":        "switch_session",
		"sessionFile": sessionFile,
		"sessionPath": filepath.Dir(sessionFile),
		"path":        r.cfg.WorkDir,
	}); err != nil {
		s.terminate(err)
		return nil, err
	}
	if err := s.writeLine(map[string]any{"type": "get_state"}); err != nil {
		s.terminate(err)
		return nil, err
	}
	r.cfg.Logger.Info("rpc session started", "session_file", filepath.Base(sessionFile))
	return s, nil
}

// osProcess wraps exec.Cmd signalling so tests can fake it.
type osProcess struct{ cmd *exec.Cmd }

func (p *osProcess) signalTerm() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
		_ = p.cmd.Process.Signal(syscallTerm)
	}
}

func (p *osProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
