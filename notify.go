package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultMuteMinutes = 30
	maxMuteMinutes     = 1440
)

// NotificationGate suppresses notifications during a mute window
type NotificationGate struct {
	mu    sync.RWMutex
	muted bool
	until time.Time
	now   func() time.Time
}

// NewNotificationGate returns an unmuted gate; now defaults to time.Now
func NewNotificationGate(now func() time.Time) *NotificationGate {
	if now == nil {
		now = time.Now
	}
	return &NotificationGate{now: now}
}

// ShouldNotify reports whether a novel event may be handed to the notifier
func (g *NotificationGate) ShouldNotify() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.muted || !g.now().Before(g.until)
}

// Mute suppresses notifications for minutes (default 30, at most 1440) and
// returns the end of the window.
func (g *NotificationGate) Mute(minutes int) time.Time {
	if minutes <= 0 {
		minutes = defaultMuteMinutes
	}
	if minutes > maxMuteMinutes {
		minutes = maxMuteMinutes
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.muted = true
	g.until = g.now().Add(time.Duration(minutes) * time.Minute)
	return g.until
}

// Unmute clears the mute window immediately
func (g *NotificationGate) Unmute() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.muted = false
}

// State reports the current mute window
func (g *NotificationGate) State() MuteStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	if !g.muted || !now.Before(g.until) {
		return MuteStatus{}
	}
	return MuteStatus{
		Muted:     true,
		Until:     g.until,
		Remaining: g.until.Sub(now).Round(time.Second).String(),
	}
}

// SuggestedAction is a follow-up the front end can offer for a notification
type SuggestedAction struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// Notification is one novel event handed to the notifier chain
type Notification struct {
	ID        string            `json:"id"`
	Event     *RawEvent         `json:"event"`
	Hostname  string            `json:"hostname,omitempty"` // PTR name of Event.IP
	InfoURL   string            `json:"info_url,omitempty"`
	Message   string            `json:"message"`
	Actions   []SuggestedAction `json:"actions,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier receives novel events
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// UnreachableNotifier receives host reachability failures
type UnreachableNotifier interface {
	HostUnreachable(ctx context.Context, host string, err error) error
}

// NotifierChain is the full downstream notifier
type NotifierChain interface {
	Notifier
	UnreachableNotifier
}

// newNotification builds a notification with a message for e
func newNotification(e *RawEvent, actions []SuggestedAction) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Event:     e,
		Message:   formatEventMessage(e),
		Actions:   actions,
		CreatedAt: time.Now(),
	}
}

// formatEventMessage renders a short human-readable summary
func formatEventMessage(e *RawEvent) string {
	switch e.Kind {
	case KindSSHLogin:
		msg := fmt.Sprintf("SSH login on %s: %s from %s", e.Host, e.Username, e.IP)
		if e.Method != "" {
			msg += " (" + e.Method + ")"
		}
		return msg + " at " + e.Timestamp
	case KindFail2Ban:
		verb := map[SubKind]string{
			SubKindBan:           "banned",
			SubKindUnban:         "unbanned",
			SubKindAlreadyBanned: "already banned",
			SubKindDetected:      "detected",
		}[e.SubKind]
		return fmt.Sprintf("fail2ban on %s: %s %s in jail %s at %s", e.Host, verb, e.IP, e.Jail, e.Timestamp)
	}
	return fmt.Sprintf("%s event on %s: %s", e.Kind, e.Host, e.IP)
}

// logNotifier writes notifications to the structured log
type logNotifier struct {
	logger *zap.Logger
}

func newLogNotifier(logger *zap.Logger) *logNotifier {
	return &logNotifier{logger: logger.Named("notify")}
}

func (n *logNotifier) Notify(_ context.Context, note *Notification) error {
	fields := []zap.Field{
		zap.String("id", note.ID),
		zap.String("kind", string(note.Event.Kind)),
		zap.String("host", note.Event.Host),
		zap.String("ip", note.Event.IP),
	}
	if note.Event.Jail != "" {
		fields = append(fields, zap.String("jail", note.Event.Jail))
	}
	if note.Event.Username != "" {
		fields = append(fields, zap.String("user", note.Event.Username))
	}
	if note.Hostname != "" {
		fields = append(fields, zap.String("hostname", note.Hostname))
	}
	n.logger.Info(note.Message, fields...)
	return nil
}

func (n *logNotifier) HostUnreachable(_ context.Context, host string, err error) error {
	n.logger.Warn("server unreachable", zap.String("host", host), zap.Error(err))
	return nil
}

// natsNotifier publishes notifications as JSON to NATS subjects
type natsNotifier struct {
	conn    *nats.Conn
	subject string
}

func newNATSNotifier(conn *nats.Conn, subject string) *natsNotifier {
	return &natsNotifier{conn: conn, subject: subject}
}

// connectNATS dials the NATS server with reconnect enabled
func connectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("securewatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

func (n *natsNotifier) Notify(_ context.Context, note *Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+string(note.Event.Kind), data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

type unreachableMessage struct {
	Host      string    `json:"host"`
	Error     string    `json:"error"`
	Cause     string    `json:"cause,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (n *natsNotifier) HostUnreachable(_ context.Context, host string, err error) error {
	msg := unreachableMessage{Host: host, Error: err.Error(), CreatedAt: time.Now()}
	var ue *UnreachableError
	if errors.As(err, &ue) {
		msg.Cause = string(ue.Cause)
	}
	data, merr := json.Marshal(msg)
	if merr != nil {
		return fmt.Errorf("failed to marshal unreachable message: %w", merr)
	}
	if perr := n.conn.Publish(n.subject+".unreachable", data); perr != nil {
		return fmt.Errorf("failed to publish unreachable message: %w", perr)
	}
	return nil
}

// multiNotifier fans a notification out to every notifier
type multiNotifier []NotifierChain

func (m multiNotifier) Notify(ctx context.Context, note *Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiNotifier) HostUnreachable(ctx context.Context, host string, err error) error {
	var errs []error
	for _, n := range m {
		if nerr := n.HostUnreachable(ctx, host, err); nerr != nil {
			errs = append(errs, nerr)
		}
	}
	return errors.Join(errs...)
}

// Enricher resolves a display hostname for an IP
type Enricher interface {
	Lookup(ctx context.Context, ip string) string
}

// enrichingNotifier fills hostname and info link before delegating
type enrichingNotifier struct {
	next       NotifierChain
	enricher   Enricher // nil disables PTR lookups
	ipinfoLink bool
}

func (n *enrichingNotifier) Notify(ctx context.Context, note *Notification) error {
	if n.enricher != nil && note.Hostname == "" {
		note.Hostname = n.enricher.Lookup(ctx, note.Event.IP)
	}
	if n.ipinfoLink {
		note.InfoURL = "https://ipinfo.io/" + note.Event.IP
	}
	return n.next.Notify(ctx, note)
}

func (n *enrichingNotifier) HostUnreachable(ctx context.Context, host string, err error) error {
	return n.next.HostUnreachable(ctx, host, err)
}
