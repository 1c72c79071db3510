package host

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a mock implementation of Runner for testing.
// The context argument is not recorded.
type MockRunner struct {
	mock.Mock
}

func callArgs(prefix []interface{}, name string, args []string) []interface{} {
	out := make([]interface{}, 0, len(prefix)+len(args)+1)
	out = append(out, prefix...)
	out = append(out, name)
	for _, a := range args {
		out = append(out, a)
	}
	return out
}

func (m *MockRunner) Run(_ context.Context, name string, args ...string) error {
	result := m.Called(callArgs(nil, name, args)...)
	return result.Error(0)
}

func (m *MockRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	result := m.Called(callArgs(nil, name, args)...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockRunner) RunInput(_ context.Context, input string, name string, args ...string) error {
	result := m.Called(callArgs([]interface{}{input}, name, args)...)
	return result.Error(0)
}

func (m *MockRunner) Start(_ context.Context, name string, args ...string) (Session, error) {
	result := m.Called(callArgs(nil, name, args)...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).(Session), result.Error(1)
}

// FakeSession is a Session over a pipe the test writes to.
type FakeSession struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	once   sync.Once
	closed chan struct{}
}

// NewFakeSession creates a session whose stdout is fed by Write.
func NewFakeSession() *FakeSession {
	r, w := io.Pipe()
	return &FakeSession{r: r, w: w, closed: make(chan struct{})}
}

// NewFakeSessionFrom creates a session that emits s and then EOF.
func NewFakeSessionFrom(s string) *FakeSession {
	fs := NewFakeSession()
	go func() {
		_, _ = io.Copy(fs.w, strings.NewReader(s))
		fs.w.Close()
	}()
	return fs
}

// Write feeds stdout.
func (s *FakeSession) Write(p []byte) (int, error) { return s.w.Write(p) }

// Stdout implements Session.
func (s *FakeSession) Stdout() io.Reader { return s.r }

// Close implements Session.
func (s *FakeSession) Close() error {
	s.once.Do(func() {
		s.w.Close()
		s.r.Close()
		close(s.closed)
	})
	return nil
}

// Closed is closed once Close has been called.
func (s *FakeSession) Closed() <-chan struct{} { return s.closed }
