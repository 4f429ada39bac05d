package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	historySize         = 200
	unreachableDeadline = 10 * time.Second
)

// MonitorOptions holds the collaborators of a Monitor
type MonitorOptions struct {
	Config   *Config
	Matcher  *Matcher
	Dedup    *Deduplicator
	Gate     *NotificationGate
	Notifier NotifierChain
	Sessions *SessionSupervisor
	Actions  *ActionExecutor
	Runner   CommandRunner
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Monitor wires tailers to the matcher, deduplicator, gate and notifier
// chain, and owns their lifecycle.
type Monitor struct {
	cfg      *Config
	matcher  *Matcher
	dedup    *Deduplicator
	gate     *NotificationGate
	notifier NotifierChain
	sessions *SessionSupervisor
	actions  *ActionExecutor
	registry *actionRegistry
	metrics  *Metrics
	logger   *zap.Logger

	tailers []*Tailer
	started time.Time

	lines     atomic.Int64
	novel     atomic.Int64
	duplicate atomic.Int64
	sent      atomic.Int64
	muted     atomic.Int64
	lastEvent atomic.Int64 // unix nanoseconds

	historyMu sync.Mutex
	history   []RawEvent // ring of recent novel events
	historyAt int
}

// NewMonitor builds one tailer per configured log
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:      opts.Config,
		matcher:  opts.Matcher,
		dedup:    opts.Dedup,
		gate:     opts.Gate,
		notifier: opts.Notifier,
		sessions: opts.Sessions,
		actions:  opts.Actions,
		registry: newActionRegistry(actionTokenCapacity, actionTokenTTL),
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("monitor"),
		started:  time.Now(),
	}

	if opts.Sessions != nil {
		opts.Sessions.OnUnreachable(m.hostUnreachable)
	}

	runner := opts.Runner
	if runner == nil {
		runner = newHostRunner(opts.Sessions)
	}
	for _, target := range watchTargets(opts.Config) {
		var src FileSource
		var reconnector Reconnector
		if target.Host == LocalHost {
			src = &localFile{path: target.Path}
		} else {
			src = &remoteFile{runner: runner, host: target.Host, path: target.Path}
			if opts.Sessions != nil {
				reconnector = opts.Sessions
			}
		}
		m.tailers = append(m.tailers, NewTailer(target, src, m.handleLine, TailerOptions{
			Interval:       opts.Config.General.PollInterval,
			BootstrapLines: opts.Config.General.BootstrapLines,
			MaxLineLength:  opts.Config.General.MaxLineLength,
			Reconnector:    reconnector,
			Metrics:        opts.Metrics,
			Logger:         opts.Logger.Named("tailer"),
		}))
	}
	return m
}

// watchTargets lists every configured log, local first then servers by name
func watchTargets(cfg *Config) []WatchTarget {
	var targets []WatchTarget
	add := func(host string, logs LogPaths) {
		if logs.SSH != "" {
			targets = append(targets, WatchTarget{Host: host, Path: logs.SSH, Kind: KindSSHLogin})
		}
		if logs.Fail2Ban != "" {
			targets = append(targets, WatchTarget{Host: host, Path: logs.Fail2Ban, Kind: KindFail2Ban})
		}
	}
	add(LocalHost, cfg.Local)
	for _, name := range cfg.serverNames() {
		add(name, cfg.Servers[name].Logs)
	}
	return targets
}

// Run starts every tailer and the permanent ban self-check, and blocks until
// ctx is cancelled and all tailers have stopped. Sessions are closed on return.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	m.logger.Info("starting monitor",
		zap.Int("targets", len(m.tailers)),
		zap.Int("servers", len(m.cfg.Servers)))

	if m.sessions != nil {
		for _, host := range m.sessions.Hosts() {
			wg.Add(1)
			go func(host string) {
				defer wg.Done()
				if _, err := m.sessions.Acquire(ctx, host); err != nil {
					m.logger.Warn("initial connection failed", zap.String("host", host), zap.Error(err))
				}
			}(host)
		}
	}

	for _, t := range m.tailers {
		wg.Add(1)
		go func(t *Tailer) {
			defer wg.Done()
			t.Run(ctx)
		}(t)
	}

	if m.actions != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.selfCheck(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	if m.sessions != nil {
		m.sessions.Close()
	}
	m.logger.Info("monitor stopped")
}

// selfCheck re-applies permanent bans at startup and every SelfCheckInterval
func (m *Monitor) selfCheck(ctx context.Context) {
	interval := m.cfg.General.SelfCheckInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report := m.actions.EnsurePermanentBans(ctx)
		if !report.OK() && ctx.Err() == nil {
			m.logger.Warn("permanent ban self-check incomplete", zap.Int("failed", len(report.Failed)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleLine runs one complete line through the pipeline
func (m *Monitor) handleLine(ctx context.Context, target WatchTarget, line string) {
	m.lines.Add(1)
	m.metrics.line(target.Kind)

	event, ok := m.matcher.Match(target.Kind, line)
	if !ok {
		m.metrics.event(target.Kind, "unmatched")
		return
	}
	event.Host = target.Host

	if !m.dedup.Accept(ctx, event) {
		m.duplicate.Add(1)
		m.metrics.event(event.Kind, "duplicate")
		return
	}
	m.novel.Add(1)
	m.metrics.event(event.Kind, "novel")
	m.lastEvent.Store(time.Now().UnixNano())
	m.remember(*event)

	if !m.notificationEnabled(event) {
		m.metrics.notification("disabled")
		return
	}
	if !m.gate.ShouldNotify() {
		m.muted.Add(1)
		m.metrics.notification("muted")
		m.logger.Debug("notification muted", zap.String("kind", string(event.Kind)), zap.String("ip", event.IP))
		return
	}

	note := newNotification(event, m.registry.suggest(event))
	if err := m.notifier.Notify(ctx, note); err != nil {
		m.metrics.notification("failed")
		m.logger.Warn("notification failed", zap.String("id", note.ID), zap.Error(err))
		return
	}
	m.sent.Add(1)
	m.metrics.notification("sent")
}

// notificationEnabled applies the per-type switches; fail2ban notifies on bans only
func (m *Monitor) notificationEnabled(e *RawEvent) bool {
	n := m.cfg.Notifications
	switch e.Kind {
	case KindSSHLogin:
		return boolValue(n.SSHLogin, true)
	case KindFail2Ban:
		return e.SubKind == SubKindBan && boolValue(n.Fail2BanBlock, true)
	}
	return false
}

// hostUnreachable is the session supervisor hook
func (m *Monitor) hostUnreachable(host string, err error) {
	if !boolValue(m.cfg.Notifications.ServerUnreachable, true) {
		return
	}
	if !m.gate.ShouldNotify() {
		m.metrics.notification("muted")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unreachableDeadline)
	defer cancel()
	if nerr := m.notifier.HostUnreachable(ctx, host, err); nerr != nil {
		m.metrics.notification("failed")
		m.logger.Warn("unreachable notification failed", zap.String("host", host), zap.Error(nerr))
		return
	}
	m.metrics.notification("sent")
}

func (m *Monitor) remember(e RawEvent) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	if len(m.history) < historySize {
		m.history = append(m.history, e)
		return
	}
	m.history[m.historyAt] = e
	m.historyAt = (m.historyAt + 1) % historySize
}

// Recent returns up to n novel events, newest first
func (m *Monitor) Recent(n int) []RawEvent {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]RawEvent, 0, n)
	// The newest entry sits just before historyAt once the ring is full
	newest := len(m.history) - 1
	if len(m.history) == historySize {
		newest = (m.historyAt - 1 + historySize) % historySize
	}
	for i := 0; i < n; i++ {
		out = append(out, m.history[(newest-i+len(m.history))%len(m.history)])
	}
	return out
}

// Stats returns the engine counters
func (m *Monitor) Stats() EngineStats {
	stats := EngineStats{
		StartedAt:          m.started,
		Targets:            len(m.tailers),
		LinesProcessed:     m.lines.Load(),
		EventsNovel:        m.novel.Load(),
		EventsDuplicate:    m.duplicate.Load(),
		NotificationsSent:  m.sent.Load(),
		NotificationsMuted: m.muted.Load(),
	}
	if ns := m.lastEvent.Load(); ns != 0 {
		stats.LastEvent = time.Unix(0, ns)
	}
	return stats
}

// Targets returns the read position of every tailer
func (m *Monitor) Targets() []TailState {
	states := make([]TailState, 0, len(m.tailers))
	for _, t := range m.tailers {
		states = append(states, t.State())
	}
	return states
}

// Registry returns the suggested action registry
func (m *Monitor) Registry() *actionRegistry {
	return m.registry
}
