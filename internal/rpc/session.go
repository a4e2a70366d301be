package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/rho-bridge/internal/slash"
)

var syscallTerm = syscall.SIGTERM

// maxStderrTail bounds the diagnostic lines attached to subprocess failures.
const maxStderrTail = 8

var ignorableStderr = regexp.MustCompile(`(?i)ExperimentalWarning|DeprecationWarning|punycode`)

type processHandle interface {
	signalTerm()
	kill()
}

type promptOutcome struct {
	text string
	err  error
}

type promptCall struct {
	id        int64
	slashName string
	slashArgs string
	accepted  bool
	text      string
	ackTimer  *time.Timer
	done      chan promptOutcome
}

type invResult struct {
	inv map[string]slash.InventoryEntry
	err error
}

type session struct {
	file  string
	log   *slog.Logger
	proc  processHandle
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu         sync.Mutex
	nextID     int64
	call       *promptCall
	inv        map[string]slash.InventoryEntry
	invLoaded  bool
	invID      int64
	invWaiters []chan invResult
	stderrTail []string
	terminated bool
	termErr    error
}

func newSession(file string, stdin io.WriteCloser, stdout, stderr io.Reader, proc processHandle, log *slog.Logger) *session {
	s := &session{
		file:  file,
		log:   log,
		proc:  proc,
		stdin: stdin,
	}
	go s.readLoop(stdout)
	go s.stderrLoop(stderr)
	return s
}

func (s *session) dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("rpc: write to agent: %w", err)
	}
	return nil
}

func (s *session) startPrompt(message, slashName, slashArgs string, images []Image) (chan promptOutcome, error) {
	s.mu.Lock()
	if s.terminated {
		err := s.termErr
		s.mu.Unlock()
		return nil, err
	}
	if s.call != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.nextID++
	call := &promptCall{
		id:        s.nextID,
		slashName: slashName,
		slashArgs: slashArgs,
		done:      make(chan promptOutcome, 1),
	}
	s.call = call
	s.mu.Unlock()

	cmd := map[string]any{"id": call.id, "type": "prompt", "message": message}
	if len(images) > 0 {
		cmd["images"] = images
	}
	if err := s.writeLine(cmd); err != nil {
		s.mu.Lock()
		if s.call == call {
			s.call = nil
		}
		s.mu.Unlock()
		return nil, err
	}
	return call.done, nil
}

// abandonPrompt detaches a timed-out or cancelled caller; late events for the
// abandoned call are dropped.
func (s *session) abandonPrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil {
		if s.call.ackTimer != nil {
			s.call.ackTimer.Stop()
		}
		s.call = nil
	}
}

// settleLocked resolves the in-flight prompt. Caller holds s.mu.
func (s *session) settleLocked(out promptOutcome) {
	if s.call == nil {
		return
	}
	if s.call.ackTimer != nil {
		s.call.ackTimer.Stop()
	}
	s.call.done <- out
	s.call = nil
}

func (s *session) cancel(reason string) {
	_ = s.writeLine(map[string]any{"type": "cancel", "reason": reason})
	time.AfterFunc(cancelGrace, func() {
		s.mu.Lock()
		pending := s.call != nil
		if pending {
			s.settleLocked(promptOutcome{err: errors.New(reason)})
		}
		s.mu.Unlock()
		if pending {
			s.proc.kill()
		}
	})
}

func (s *session) terminate(cause error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.termErr = cause
	s.settleLocked(promptOutcome{err: s.withStderr(cause.Error())})
	for _, ch := range s.invWaiters {
		ch <- invResult{err: cause}
	}
	s.invWaiters = nil
	s.mu.Unlock()

	s.proc.signalTerm()
	_ = s.stdin.Close()
}

// commands returns the discovered inventory, issuing one shared get_commands
// request for concurrent callers.
func (s *session) commands(timeout time.Duration) (map[string]slash.InventoryEntry, error) {
	s.mu.Lock()
	if s.terminated {
		err := s.termErr
		s.mu.Unlock()
		return nil, err
	}
	if s.invLoaded {
		inv := s.inv
		s.mu.Unlock()
		return inv, nil
	}
	ch := make(chan invResult, 1)
	s.invWaiters = append(s.invWaiters, ch)
	first := len(s.invWaiters) == 1
	var id int64
	if first {
		s.nextID++
		id = s.nextID
		s.invID = id
	}
	s.mu.Unlock()

	if first {
		if err := s.writeLine(map[string]any{"id": id, "type": "get_commands"}); err != nil {
			s.resolveInventory(nil, err)
		}
	}

	select {
	case res := <-ch:
		return res.inv, res.err
	case <-time.After(timeout):
		s.resolveInventory(nil, errors.New("rpc: get_commands timed out"))
		return nil, errors.New("rpc: get_commands timed out")
	}
}

func (s *session) resolveInventory(inv map[string]slash.InventoryEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.inv = inv
		s.invLoaded = true
	}
	for _, ch := range s.invWaiters {
		ch <- invResult{inv: inv, err: err}
	}
	s.invWaiters = nil
	s.invID = 0
}

type agentEvent struct {
	Type     string          `json:"type"`
	Command  string          `json:"command"`
	ID       int64           `json:"id"`
	Success  *bool           `json:"success"`
	Error    string          `json:"error"`
	Data     json.RawMessage `json:"data"`
	Commands json.RawMessage `json:"commands"`
	Message  json.RawMessage `json:"message"`
}

type assistantMessage struct {
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (s *session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev agentEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.log.Debug("rpc: unparseable agent line", "line", line)
			continue
		}
		s.dispatch(ev)
	}
	s.terminate(errors.New("rpc: agent stream closed"))
}

func (s *session) dispatch(ev agentEvent) {
	switch ev.Type {
	case "response":
		switch ev.Command {
		case "prompt":
			s.onPromptResponse(ev)
		case "get_commands":
			s.onCommandsResponse(ev)
		}
	case "message_end":
		s.onMessageEnd(ev)
	case "agent_end":
		s.onAgentEnd()
	case "rpc_error", "rpc_process_crashed":
		s.onProtocolError(ev)
	}
}

func (s *session) onPromptResponse(ev agentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.call
	if call == nil || call.id != ev.ID {
		return
	}
	if ev.Success != nil && !*ev.Success {
		msg := ev.Error
		if msg == "" {
			msg = "prompt rejected"
		}
		if call.slashName != "" {
			s.settleLocked(promptOutcome{err: fmt.Errorf("run /%s: %s", call.slashName, msg)})
		} else {
			s.settleLocked(promptOutcome{err: errors.New(msg)})
		}
		return
	}
	call.accepted = true
	if call.slashName != "" {
		call.ackTimer = time.AfterFunc(slashAckDelay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.call == call && call.text == "" {
				s.settleLocked(promptOutcome{text: slashAck(call.slashName, call.slashArgs)})
			}
		})
	}
}

func (s *session) onCommandsResponse(ev agentEvent) {
	s.mu.Lock()
	expected := s.invID != 0 && ev.ID == s.invID
	s.mu.Unlock()
	if !expected {
		return
	}
	if ev.Success != nil && !*ev.Success {
		s.resolveInventory(nil, fmt.Errorf("rpc: get_commands failed: %s", ev.Error))
		return
	}
	raw := ev.Data
	if len(raw) == 0 {
		raw = ev.Commands
	}
	var entries []slash.InventoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.resolveInventory(nil, fmt.Errorf("rpc: get_commands payload: %w", err))
		return
	}
	inv := make(map[string]slash.InventoryEntry, len(entries))
	for _, e := range entries {
		inv[e.Name] = e
	}
	s.resolveInventory(inv, nil)
}

func (s *session) onMessageEnd(ev agentEvent) {
	var msg assistantMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil || msg.Role != "assistant" {
		return
	}
	var b strings.Builder
	for _, part := range msg.Content {
		if part.Type == "" || part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil {
		s.call.text = b.String()
	}
}

func (s *session) onAgentEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.call
	if call == nil {
		return
	}
	text := strings.TrimSpace(call.text)
	if text == "" && call.slashName != "" {
		text = slashAck(call.slashName, call.slashArgs)
	}
	s.settleLocked(promptOutcome{text: text})
}

func (s *session) onProtocolError(ev agentEvent) {
	var msg string
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		msg = string(ev.Message)
	}
	if msg == "" {
		msg = ev.Type
	}
	s.mu.Lock()
	s.settleLocked(promptOutcome{err: s.withStderr(msg)})
	s.mu.Unlock()
}

func (s *session) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || ignorableStderr.MatchString(line) {
			continue
		}
		s.mu.Lock()
		s.stderrTail = append(s.stderrTail, line)
		if len(s.stderrTail) > maxStderrTail {
			s.stderrTail = s.stderrTail[len(s.stderrTail)-maxStderrTail:]
		}
		s.mu.Unlock()
	}
}

// withStderr attaches the recent stderr tail to a failure message. Caller
// holds s.mu.
func (s *session) withStderr(msg string) error {
	if len(s.stderrTail) == 0 {
		return errors.New(msg)
	}
	return fmt.Errorf("%s\nstderr:\n%s", msg, strings.Join(s.stderrTail, "\n"))
}

func slashAck(name, args string) string {
	if args != "" {
		return fmt.Sprintf("✅ /%s %s executed.", name, args)
	}
	return fmt.Sprintf("✅ /%s executed.", name)
}
