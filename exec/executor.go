// Package exec provides an abstraction over spawning long-lived child
// processes that talk over stdin/stdout. Production code uses RealSpawner,
// while tests inject a MockSpawner whose "process" is an in-memory handler.
package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Spec describes a child process to start.
type Spec struct {
	Name string   // Executable (e.g., "bun")
	Args []string // Arguments
	Dir  string   // Working directory; empty means the relay's own
	Env  []string // Extra KEY=VALUE pairs appended to the relay's environment
}

// Spawner starts child processes with piped stdin/stdout.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Process is a running child with its standard streams.
type Process interface {
	// Stdin is the child's standard input.
	Stdin() io.WriteCloser
	// Stdout is the child's standard output.
	Stdout() io.Reader
	// Pid returns the OS process ID, or 0 for in-memory processes.
	Pid() int
	// Wait blocks until the child exits.
	Wait() error
	// Kill terminates the child immediately.
	Kill() error
}

// RealSpawner starts processes using os/exec. The child's stderr is passed
// through to Stderr (os.Stderr when nil) unmodified.
type RealSpawner struct {
	Stderr io.Writer
}

// NewRealSpawner returns a RealSpawner writing child stderr to os.Stderr.
func NewRealSpawner() *RealSpawner {
	return &RealSpawner{Stderr: os.Stderr}
}

// Spawn starts spec with piped stdin/stdout.
func (s *RealSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	return &realProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// realProcess wraps a real exec.Cmd.
type realProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *realProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *realProcess) Stdout() io.Reader     { return p.stdout }
func (p *realProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *realProcess) Wait() error           { return p.cmd.Wait() }

func (p *realProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Handler plays the child's side of a mocked process: it reads what the
// parent writes to stdin and writes what the parent reads from stdout.
// The mock process exits when the handler returns.
type Handler func(stdin io.Reader, stdout io.Writer) error

// SpecMatcher is a function that determines if a spec matches.
type SpecMatcher func(spec Spec) bool

// MockRule defines a matching rule and how the mock behaves.
type MockRule struct {
	Match   SpecMatcher
	Handler Handler
	Err     error // Returned from Spawn instead of starting the handler
}

// MockSpawner runs in-memory handlers instead of real processes.
// Specs are matched in order of rule registration.
type MockSpawner struct {
	mu    sync.RWMutex
	rules []MockRule
	calls []Spec
}

// NewMockSpawner creates a new MockSpawner.
func NewMockSpawner() *MockSpawner {
	return &MockSpawner{}
}

// AddRule adds a matching rule.
func (s *MockSpawner) AddRule(rule MockRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

// AddHandler serves every spec whose Name equals name with h.
func (s *MockSpawner) AddHandler(name string, h Handler) {
	s.AddRule(MockRule{
		Match:   func(spec Spec) bool { return spec.Name == name },
		Handler: h,
	})
}

// GetCalls returns all recorded spawn requests.
func (s *MockSpawner) GetCalls() []Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	calls := make([]Spec, len(s.calls))
	copy(calls, s.calls)
	return calls
}

func (s *MockSpawner) findMatch(spec Spec) *MockRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.rules {
		if s.rules[i].Match(spec) {
			return &s.rules[i]
		}
	}
	return nil
}

// Spawn starts the matching handler on a pair of in-memory pipes.
func (s *MockSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	s.mu.Lock()
	s.calls = append(s.calls, spec)
	s.mu.Unlock()

	rule := s.findMatch(spec)
	if rule == nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, exec.ErrNotFound)
	}
	if rule.Err != nil {
		return nil, rule.Err
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &mockProcess{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		done:    make(chan struct{}),
	}
	go func() {
		err := rule.Handler(stdinR, stdoutW)
		stdoutW.CloseWithError(io.EOF)
		stdinR.Close()
		p.err = err
		close(p.done)
	}()
	return p, nil
}

// mockProcess connects the parent to a handler through io.Pipe.
type mockProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
	err     error
}

func (p *mockProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *mockProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *mockProcess) Pid() int              { return 0 }

func (p *mockProcess) Wait() error {
	<-p.done
	return p.err
}

// Kill breaks both pipes so a blocked handler returns.
func (p *mockProcess) Kill() error {
	p.stdinR.CloseWithError(io.ErrClosedPipe)
	p.stdoutW.CloseWithError(io.ErrClosedPipe)
	return nil
}

// Ensure implementations satisfy the interface.
var _ Spawner = (*RealSpawner)(nil)
var _ Spawner = (*MockSpawner)(nil)
var _ Process = (*realProcess)(nil)
var _ Process = (*mockProcess)(nil)
