package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errSupervisorClosed = errors.New("session supervisor closed")

// sessionSlot owns the SSH client of one remote host
type sessionSlot struct {
	name string
	addr string
	cfg  ServerConfig

	cmd  sync.Mutex // one in-flight command per session
	dial sync.Mutex // one connection attempt at a time

	mu            sync.RWMutex
	client        *ssh.Client
	state         SessionState
	lastConnected time.Time
	lastErr       string
	reconnects    int
	unreachable   bool // hook fired, cleared by the next successful connect
}

// SessionSupervisor keeps one authenticated SSH session per remote host
type SessionSupervisor struct {
	slots         map[string]*sessionSlot
	onUnreachable func(host string, err error)
	metrics       *Metrics
	logger        *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSessionSupervisor creates a slot per configured server. No connection is
// made until Acquire is called.
func NewSessionSupervisor(servers map[string]ServerConfig, metrics *Metrics, logger *zap.Logger) *SessionSupervisor {
	s := &SessionSupervisor{
		slots:   make(map[string]*sessionSlot, len(servers)),
		metrics: metrics,
		logger:  logger.Named("ssh"),
	}
	for name, cfg := range servers {
		s.slots[name] = &sessionSlot{
			name:  name,
			addr:  net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port)),
			cfg:   cfg,
			state: SessionDisconnected,
		}
	}
	return s
}

// OnUnreachable sets the hook fired when a host enters the Failed state
func (s *SessionSupervisor) OnUnreachable(hook func(host string, err error)) {
	s.onUnreachable = hook
}

// Hosts returns the supervised host names in sorted order
func (s *SessionSupervisor) Hosts() []string {
	hosts := make([]string, 0, len(s.slots))
	for name := range s.slots {
		hosts = append(hosts, name)
	}
	sort.Strings(hosts)
	return hosts
}

// Has reports whether host is supervised
func (s *SessionSupervisor) Has(host string) bool {
	_, ok := s.slots[host]
	return ok
}

func (s *SessionSupervisor) slot(host string) (*sessionSlot, error) {
	slot, ok := s.slots[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	return slot, nil
}

// IsLive reports whether host has a connected session. It never dials.
func (s *SessionSupervisor) IsLive(host string) bool {
	slot, ok := s.slots[host]
	if !ok {
		return false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.client != nil
}

// Acquire returns the live client of host, connecting if needed
func (s *SessionSupervisor) Acquire(ctx context.Context, host string) (*ssh.Client, error) {
	slot, err := s.slot(host)
	if err != nil {
		return nil, err
	}
	return s.acquire(ctx, slot, false)
}

// Reconnect drops the current session of host and dials a fresh one. It waits
// for the in-flight command of the slot to finish first.
func (s *SessionSupervisor) Reconnect(ctx context.Context, host string) error {
	slot, err := s.slot(host)
	if err != nil {
		return err
	}

	slot.cmd.Lock()
	defer slot.cmd.Unlock()

	s.metrics.reconnect(host)
	_, err = s.acquire(ctx, slot, true)
	return err
}

func (s *SessionSupervisor) acquire(ctx context.Context, slot *sessionSlot, force bool) (*ssh.Client, error) {
	if !force {
		if c := slot.current(); c != nil {
			return c, nil
		}
	}

	slot.dial.Lock()
	defer slot.dial.Unlock()

	if force {
		slot.drop()
	} else if c := slot.current(); c != nil {
		return c, nil
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, &UnreachableError{Host: slot.name, Cause: CauseUnknown, Err: errSupervisorClosed}
	}

	slot.setState(SessionConnecting)
	client, err := s.connect(ctx, slot)
	if err != nil {
		uerr := &UnreachableError{Host: slot.name, Cause: classifyDialError(err), Err: err}
		if slot.fail(uerr) && s.onUnreachable != nil {
			s.onUnreachable(slot.name, uerr)
		}
		s.logger.Warn("ssh connection failed",
			zap.String("host", slot.name),
			zap.String("cause", string(uerr.Cause)),
			zap.Error(err))
		return nil, uerr
	}

	slot.mu.Lock()
	if slot.lastConnected.IsZero() {
		s.logger.Info("ssh connected", zap.String("host", slot.name), zap.String("addr", slot.addr))
	} else {
		slot.reconnects++
		s.logger.Info("ssh reconnected", zap.String("host", slot.name), zap.Int("reconnects", slot.reconnects))
	}
	slot.client = client
	slot.state = SessionConnected
	slot.lastConnected = time.Now()
	slot.lastErr = ""
	slot.unreachable = false
	slot.mu.Unlock()

	done := make(chan struct{})
	go func() {
		client.Wait()
		close(done)
		if slot.release(client) {
			s.logger.Info("ssh connection closed", zap.String("host", slot.name))
		}
	}()
	if slot.cfg.KeepAlive > 0 {
		go s.keepAlive(slot, client, done)
	}

	return client, nil
}

// connect dials and authenticates, bounded by the connect timeout
func (s *SessionSupervisor) connect(ctx context.Context, slot *sessionSlot) (*ssh.Client, error) {
	config, err := slot.clientConfig()
	if err != nil {
		return nil, err
	}

	timeout := slot.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", slot.addr)
	if err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, slot.addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// keepAlive probes the connection and closes it when a probe fails
func (s *SessionSupervisor) keepAlive(slot *sessionSlot, client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(slot.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		errc := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			errc <- err
		}()

		select {
		case <-done:
			return
		case err := <-errc:
			if err == nil {
				continue
			}
			s.logger.Warn("ssh keepalive failed", zap.String("host", slot.name), zap.Error(err))
		case <-time.After(slot.cfg.KeepAlive):
			s.logger.Warn("ssh keepalive timed out", zap.String("host", slot.name))
		}
		client.Close()
		return
	}
}

// Execute runs command on host and captures its output
func (s *SessionSupervisor) Execute(ctx context.Context, host, command string) CommandResult {
	slot, err := s.slot(host)
	if err != nil {
		return CommandResult{Output: err.Error(), ExitStatus: -1, Err: err}
	}

	slot.cmd.Lock()
	defer slot.cmd.Unlock()

	client, err := s.acquire(ctx, slot, false)
	if err != nil {
		return CommandResult{Output: err.Error(), ExitStatus: -1, Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		err = &UnreachableError{Host: host, Cause: CauseProtocol, Err: fmt.Errorf("failed to open session: %w", err)}
		return CommandResult{Output: err.Error(), ExitStatus: -1, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(command) }()

	select {
	case err = <-runErr:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-runErr
		return CommandResult{Output: ctx.Err().Error(), ExitStatus: -1, Err: ctx.Err()}
	}

	return commandResult(host, client, stdout.String(), stderr.String(), err)
}

func commandResult(host string, client *ssh.Client, stdout, stderr string, err error) CommandResult {
	if err == nil {
		return CommandResult{OK: true, Output: stdout}
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out := strings.TrimSpace(stderr)
		if out == "" {
			out = strings.TrimSpace(stdout)
		}
		return CommandResult{
			Output:     out,
			ExitStatus: exitErr.ExitStatus(),
			Err:        fmt.Errorf("%w: exit status %d: %s", ErrCommandFailed, exitErr.ExitStatus(), out),
		}
	}

	// Missing exit status or a broken channel means the transport is gone
	client.Close()
	uerr := &UnreachableError{Host: host, Cause: CauseProtocol, Err: err}
	return CommandResult{Output: uerr.Error(), ExitStatus: -1, Err: uerr}
}

// States returns a snapshot of every slot
func (s *SessionSupervisor) States() map[string]SessionStatus {
	states := make(map[string]SessionStatus, len(s.slots))
	for name, slot := range s.slots {
		states[name] = slot.status()
	}
	return states
}

// Status returns the snapshot of one slot
func (s *SessionSupervisor) Status(host string) (SessionStatus, error) {
	slot, err := s.slot(host)
	if err != nil {
		return SessionStatus{}, err
	}
	return slot.status(), nil
}

// Close closes every session; later Acquire calls fail
func (s *SessionSupervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, slot := range s.slots {
		slot.dial.Lock()
		slot.drop()
		slot.dial.Unlock()
	}
}

func (slot *sessionSlot) current() *ssh.Client {
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.client
}

func (slot *sessionSlot) setState(state SessionState) {
	slot.mu.Lock()
	slot.state = state
	slot.mu.Unlock()
}

// drop closes the current client, if any
func (slot *sessionSlot) drop() {
	slot.mu.Lock()
	client := slot.client
	slot.client = nil
	slot.state = SessionDisconnected
	slot.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// release clears the slot if client is still its current client
func (slot *sessionSlot) release(client *ssh.Client) bool {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.client != client {
		return false
	}
	slot.client = nil
	slot.state = SessionDisconnected
	return true
}

// fail records a failed attempt and reports whether the slot just entered Failed
func (slot *sessionSlot) fail(err error) bool {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	entered := !slot.unreachable
	slot.unreachable = true
	slot.state = SessionFailed
	slot.lastErr = err.Error()
	return entered
}

func (slot *sessionSlot) status() SessionStatus {
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return SessionStatus{
		Host:          slot.name,
		Address:       slot.addr,
		State:         slot.state,
		LastConnected: slot.lastConnected,
		LastError:     slot.lastErr,
		Reconnects:    slot.reconnects,
	}
}

// clientConfig builds the SSH client configuration of the slot
func (slot *sessionSlot) clientConfig() (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:    slot.cfg.User,
		Timeout: slot.cfg.ConnectTimeout,
	}

	if slot.cfg.KeyPath != "" || slot.cfg.KeyData != "" {
		authMethod, err := slot.keyAuth()
		if err != nil {
			return nil, fmt.Errorf("failed to create key authentication: %w", err)
		}
		config.Auth = append(config.Auth, authMethod)
	}
	if slot.cfg.Password != "" {
		config.Auth = append(config.Auth, ssh.Password(slot.cfg.Password))
	}

	if boolValue(slot.cfg.StrictHostKeyChecking, true) {
		switch {
		case slot.cfg.KnownHosts != "":
			callback, err := knownhosts.New(slot.cfg.KnownHosts)
			if err != nil {
				return nil, fmt.Errorf("failed to load known hosts: %w", err)
			}
			config.HostKeyCallback = callback
		case slot.cfg.HostKeyFingerprint != "":
			config.HostKeyCallback = fingerprintCallback(slot.cfg.HostKeyFingerprint)
		default:
			return nil, fmt.Errorf("strict host key checking enabled but no known_hosts or fingerprint provided")
		}
	} else {
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return config, nil
}

// keyAuth loads the private key from inline data or from disk
func (slot *sessionSlot) keyAuth() (ssh.AuthMethod, error) {
	var keyData []byte
	var err error

	if slot.cfg.KeyData != "" {
		keyData, err = base64.StdEncoding.DecodeString(slot.cfg.KeyData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode private key data: %w", err)
		}
	} else {
		keyData, err = os.ReadFile(slot.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
	}

	var signer ssh.Signer
	if slot.cfg.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(slot.cfg.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// fingerprintCallback accepts only the host key with the given SHA256 fingerprint
func fingerprintCallback(expected string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if fingerprint != expected {
			return fmt.Errorf("host key fingerprint mismatch: expected %s, got %s", expected, fingerprint)
		}
		return nil
	}
}

// classifyDialError maps a connection failure to a FailureCause
func classifyDialError(err error) FailureCause {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return CauseTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "i/o timeout"):
		return CauseTimeout
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "private key"):
		return CauseAuth
	}

	var keyErr *knownhosts.KeyError
	var revokedErr *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revokedErr) || strings.HasPrefix(msg, "ssh:") {
		return CauseProtocol
	}
	return CauseUnknown
}
