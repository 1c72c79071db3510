// Package host is the transport to managed machines: running commands locally
// or over SSH, streaming long-lived command output, and reading the network
// interface inventory.
package host

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes commands on one host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	RunInput(ctx context.Context, input string, name string, args ...string) error
	// Start launches a long-running command whose stdout is streamed.
	Start(ctx context.Context, name string, args ...string) (Session, error)
}

// Session is a running command. Close stops it and waits for it to exit.
type Session interface {
	Stdout() io.Reader
	Close() error
}

// Source hands out the runner for a host id.
type Source interface {
	Runner(ctx context.Context, hostID string) (Runner, error)
}

// LocalRunner executes commands on this machine.
type LocalRunner struct{}

// Run executes a command without capturing output.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Output executes a command and returns its stdout.
func (r *LocalRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("command %s failed: %w", name, err)
	}
	return out, nil
}

// RunInput executes a command with input on stdin.
func (r *LocalRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(input)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("command %s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Start launches a command and streams its stdout.
func (r *LocalRunner) Start(ctx context.Context, name string, args ...string) (Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout for %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	return &localSession{cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

type localSession struct {
	cmd    *exec.Cmd
	stdout io.Reader
	cancel context.CancelFunc
	once   sync.Once
}

func (s *localSession) Stdout() io.Reader { return s.stdout }

func (s *localSession) Close() error {
	s.once.Do(func() {
		s.cancel()
		// Killed by cancel; the exit status is expected to be non-zero.
		_ = s.cmd.Wait()
	})
	return nil
}

// shellQuote joins a command line for a remote shell.
func shellQuote(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		if a != "" && strings.IndexFunc(a, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,@", r))
		}) < 0 {
			parts = append(parts, a)
			continue
		}
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

// NamespaceRunner runs commands inside a named network namespace through
// `ip netns exec`.
type NamespaceRunner struct {
	Namespace string
	Runner    Runner
}

func (r *NamespaceRunner) wrap(name string, args []string) []string {
	return append([]string{"netns", "exec", r.Namespace, name}, args...)
}

func (r *NamespaceRunner) Run(ctx context.Context, name string, args ...string) error {
	return r.Runner.Run(ctx, "ip", r.wrap(name, args)...)
}

func (r *NamespaceRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.Runner.Output(ctx, "ip", r.wrap(name, args)...)
}

func (r *NamespaceRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	return r.Runner.RunInput(ctx, input, "ip", r.wrap(name, args)...)
}

func (r *NamespaceRunner) Start(ctx context.Context, name string, args ...string) (Session, error) {
	return r.Runner.Start(ctx, "ip", r.wrap(name, args)...)
}
