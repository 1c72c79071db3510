package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"grimm.is/fleetwall/internal/logging"
)

// SSHConfig describes how to reach a managed host.
type SSHConfig struct {
	Address        string // host:port
	User           string
	PrivateKeyFile string
	Passphrase     string
	KnownHostsFile string
	// InsecureIgnoreHostKey skips host key verification. Lab use only.
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// ErrAuth is returned when the host rejects our credentials.
var ErrAuth = errors.New("ssh authentication failed")

func (c SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	keyBytes, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case c.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	case c.KnownHostsFile != "":
		hostKeyCallback, err = knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	default:
		return nil, fmt.Errorf("known_hosts_file is required unless host key checking is disabled")
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SSHRunner executes commands on a remote host, one SSH session per command.
type SSHRunner struct {
	client *ssh.Client
	addr   string
	logger *logging.Logger
}

// DialSSH connects to a host, retrying transient network failures.
func DialSSH(ctx context.Context, cfg SSHConfig, retry RetryConfig, logger *logging.Logger) (*SSHRunner, error) {
	if logger == nil {
		logger = logging.WithComponent("ssh")
	}
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	retry.RetryableErrors = []error{ErrTemporary}

	attempt := 0
	client, err := RetryWithResult(ctx, retry, func() (*ssh.Client, error) {
		attempt++
		d := net.Dialer{Timeout: clientCfg.Timeout}
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			logger.Warn("ssh dial failed", "addr", cfg.Address, "attempt", attempt, "error", err)
			return nil, WrapTemporary(err)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address, clientCfg)
		if err != nil {
			conn.Close()
			if strings.Contains(err.Error(), "unable to authenticate") {
				return nil, fmt.Errorf("%w: %s: %v", ErrAuth, cfg.Address, err)
			}
			return nil, err
		}
		return ssh.NewClient(c, chans, reqs), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address, err)
	}
	logger.Debug("ssh connected", "addr", cfg.Address)
	return &SSHRunner{client: client, addr: cfg.Address, logger: logger}, nil
}

// Close closes the underlying connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}

// withSession runs fn in a fresh session, closing it if ctx ends first.
func (r *SSHRunner) withSession(ctx context.Context, fn func(*ssh.Session) error) error {
	sess, err := r.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session to %s: %w", r.addr, err)
	}
	defer sess.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()

	err = fn(sess)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Run executes a command without capturing output.
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := shellQuote(name, args...)
	return r.withSession(ctx, func(s *ssh.Session) error {
		if out, err := s.CombinedOutput(cmd); err != nil {
			return fmt.Errorf("command %s failed on %s: %w: %s", name, r.addr, err, strings.TrimSpace(string(out)))
		}
		return nil
	})
}

// Output executes a command and returns its stdout.
func (r *SSHRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := shellQuote(name, args...)
	var out []byte
	err := r.withSession(ctx, func(s *ssh.Session) error {
		var err error
		out, err = s.Output(cmd)
		if err != nil {
			return fmt.Errorf("command %s failed on %s: %w", name, r.addr, err)
		}
		return nil
	})
	return out, err
}

// RunInput executes a command with input on stdin.
func (r *SSHRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	cmd := shellQuote(name, args...)
	return r.withSession(ctx, func(s *ssh.Session) error {
		s.Stdin = strings.NewReader(input)
		if out, err := s.CombinedOutput(cmd); err != nil {
			return fmt.Errorf("command %s failed on %s: %w: %s", name, r.addr, err, strings.TrimSpace(string(out)))
		}
		return nil
	})
}

// Start launches a long-running command. A pty is requested so that closing
// the channel hangs up the remote process.
func (r *SSHRunner) Start(ctx context.Context, name string, args ...string) (Session, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session to %s: %w", r.addr, err)
	}
	if err := sess.RequestPty("xterm", 40, 200, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := sess.Start(shellQuote(name, args...)); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to start %s on %s: %w", name, r.addr, err)
	}

	s := &sshSession{sess: sess, stdout: stdout}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.waitDone():
		}
	}()
	return s, nil
}

type sshSession struct {
	sess   *ssh.Session
	stdout io.Reader
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
}

func (s *sshSession) waitDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *sshSession) Stdout() io.Reader { return s.stdout }

func (s *sshSession) Close() error {
	s.once.Do(func() {
		_ = s.sess.Signal(ssh.SIGTERM)
		s.sess.Close()
		_ = s.sess.Wait()
		s.waitDone()
		close(s.done)
	})
	return nil
}
