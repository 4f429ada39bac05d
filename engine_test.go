package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	loginLine   = "May 18 17:36:28 host sshd[123]: Accepted publickey for alice from 10.0.0.5 port 22 ssh2"
	banLine     = "2025-05-18 17:36:28,767 fail2ban.actions [456]: NOTICE [sshd] Ban 10.0.0.9"
	unbanLine   = "2025-05-18 18:36:28,001 fail2ban.actions [456]: NOTICE [sshd] Unban 10.0.0.9"
	unknownLine = "May 18 17:36:29 host CRON[77]: pam_unix(cron:session): session opened for user root"
)

func testConfig() *Config {
	return &Config{
		General: GeneralConfig{
			PollInterval:      time.Hour,
			BootstrapLines:    5,
			MaxLineLength:     8192,
			SelfCheckInterval: time.Hour,
		},
		Servers: map[string]ServerConfig{},
	}
}

type monitorFixture struct {
	monitor  *Monitor
	notifier *recordingNotifier
	gate     *NotificationGate
	clock    *fakeClock
}

func newMonitorFixture(t *testing.T, cfg *Config, sessions *SessionSupervisor, actions *ActionExecutor) *monitorFixture {
	t.Helper()
	clock := newFakeClock()
	f := &monitorFixture{
		notifier: &recordingNotifier{},
		gate:     NewNotificationGate(clock.Now),
		clock:    clock,
	}
	f.monitor = NewMonitor(MonitorOptions{
		Config:   cfg,
		Matcher:  NewMatcher(zap.NewNop()),
		Dedup:    NewDeduplicator(newMemorySeenSet(), zap.NewNop()),
		Gate:     f.gate,
		Notifier: f.notifier,
		Sessions: sessions,
		Actions:  actions,
		Metrics:  NewMetrics(),
		Logger:   zap.NewNop(),
	})
	return f
}

var (
	localSSH      = WatchTarget{Host: LocalHost, Path: "/var/log/auth.log", Kind: KindSSHLogin}
	localFail2Ban = WatchTarget{Host: LocalHost, Path: "/var/log/fail2ban.log", Kind: KindFail2Ban}
)

func TestMonitorNotifiesNovelLoginOnce(t *testing.T) {
	f := newMonitorFixture(t, testConfig(), nil, nil)
	ctx := context.Background()

	f.monitor.handleLine(ctx, localSSH, loginLine)
	f.monitor.handleLine(ctx, localSSH, loginLine)
	f.monitor.handleLine(ctx, localSSH, unknownLine)

	require.Equal(t, 1, f.notifier.count())
	note := f.notifier.notes[0]
	assert.Equal(t, LocalHost, note.Event.Host)
	assert.Equal(t, "alice", note.Event.Username)
	assert.Equal(t, "10.0.0.5", note.Event.IP)
	assert.NotEmpty(t, note.ID)
	require.Len(t, note.Actions, 1)
	assert.Equal(t, "Ban 10.0.0.5", note.Actions[0].Label)

	stats := f.monitor.Stats()
	assert.Equal(t, int64(3), stats.LinesProcessed)
	assert.Equal(t, int64(1), stats.EventsNovel)
	assert.Equal(t, int64(1), stats.EventsDuplicate)
	assert.Equal(t, int64(1), stats.NotificationsSent)
	assert.False(t, stats.LastEvent.IsZero())
}

func TestMonitorSameEventOnAnotherHostIsNovel(t *testing.T) {
	f := newMonitorFixture(t, testConfig(), nil, nil)
	ctx := context.Background()

	f.monitor.handleLine(ctx, localSSH, loginLine)
	f.monitor.handleLine(ctx, WatchTarget{Host: "web1", Path: "/var/log/auth.log", Kind: KindSSHLogin}, loginLine)

	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, "web1", f.notifier.notes[1].Event.Host)
}

func TestMonitorFail2BanNotifiesBansOnly(t *testing.T) {
	f := newMonitorFixture(t, testConfig(), nil, nil)
	ctx := context.Background()

	f.monitor.handleLine(ctx, localFail2Ban, unbanLine)
	assert.Equal(t, 0, f.notifier.count())
	assert.Equal(t, int64(1), f.monitor.Stats().EventsNovel)

	f.monitor.handleLine(ctx, localFail2Ban, banLine)
	require.Equal(t, 1, f.notifier.count())

	note := f.notifier.notes[0]
	assert.Equal(t, SubKindBan, note.Event.SubKind)
	assert.Equal(t, "sshd", note.Event.Jail)
	require.Len(t, note.Actions, 2)
	assert.Equal(t, "Unban 10.0.0.9", note.Actions[0].Label)
	assert.Equal(t, "Make 10.0.0.9 permanent", note.Actions[1].Label)

	unban, ok := f.monitor.Registry().take(note.Actions[0].Token)
	require.True(t, ok)
	assert.Equal(t, PendingAction{Kind: PendingUnban, IP: "10.0.0.9", Jail: "sshd", Host: LocalHost}, unban)

	perm, ok := f.monitor.Registry().take(note.Actions[1].Token)
	require.True(t, ok)
	assert.Equal(t, PendingPermanent, perm.Kind)
	assert.Equal(t, "banned by fail2ban jail sshd on local", perm.Reason)
}

func TestMonitorNotificationSwitches(t *testing.T) {
	cfg := testConfig()
	cfg.Notifications.SSHLogin = boolPtr(false)
	cfg.Notifications.Fail2BanBlock = boolPtr(false)
	f := newMonitorFixture(t, cfg, nil, nil)
	ctx := context.Background()

	f.monitor.handleLine(ctx, localSSH, loginLine)
	f.monitor.handleLine(ctx, localFail2Ban, banLine)

	assert.Equal(t, 0, f.notifier.count())
	// Disabled notifications still go through dedup
	assert.Equal(t, int64(2), f.monitor.Stats().EventsNovel)
	assert.Len(t, f.monitor.Recent(0), 2)
}

func TestMonitorMuteWindow(t *testing.T) {
	f := newMonitorFixture(t, testConfig(), nil, nil)
	ctx := context.Background()

	f.gate.Mute(10)
	f.monitor.handleLine(ctx, localSSH, loginLine)
	assert.Equal(t, 0, f.notifier.count())
	assert.Equal(t, int64(1), f.monitor.Stats().NotificationsMuted)

	// A muted event was still recorded as seen
	f.clock.Advance(11 * time.Minute)
	f.monitor.handleLine(ctx, localSSH, loginLine)
	assert.Equal(t, 0, f.notifier.count())

	f.monitor.handleLine(ctx, localSSH, "May 18 17:40:00 host sshd[124]: Accepted password for bob from 10.0.0.6")
	assert.Equal(t, 1, f.notifier.count())
}

func TestMonitorNotifierFailure(t *testing.T) {
	f := newMonitorFixture(t, testConfig(), nil, nil)
	f.notifier.err = errors.New("webhook down")

	f.monitor.handleLine(context.Background(), localSSH, loginLine)

	assert.Equal(t, 1, f.notifier.count())
	assert.Equal(t, int64(0), f.monitor.Stats().NotificationsSent)
	assert.Equal(t, int64(1), f.monitor.Stats().EventsNovel)
}

func TestMonitorRecentRing(t *testing.T) {
	f := newMonitorFixture(t, testConfig(), nil, nil)
	assert.Empty(t, f.monitor.Recent(10))

	for i := 0; i < historySize+5; i++ {
		f.monitor.remember(RawEvent{Kind: KindSSHLogin, IP: fmt.Sprintf("10.0.%d.%d", i/256, i%256)})
	}

	all := f.monitor.Recent(0)
	require.Len(t, all, historySize)
	last := historySize + 4
	assert.Equal(t, fmt.Sprintf("10.0.%d.%d", last/256, last%256), all[0].IP)
	assert.Equal(t, "10.0.0.5", all[historySize-1].IP)

	top := f.monitor.Recent(3)
	require.Len(t, top, 3)
	assert.Equal(t, all[:3], top)
}

func TestWatchTargets(t *testing.T) {
	cfg := testConfig()
	cfg.Local = LogPaths{SSH: "/var/log/auth.log"}
	cfg.Servers = map[string]ServerConfig{
		"web2": {Logs: LogPaths{SSH: "/var/log/secure", Fail2Ban: "/var/log/fail2ban.log"}},
		"db1":  {Logs: LogPaths{Fail2Ban: "/var/log/fail2ban.log"}},
		"idle": {},
	}

	assert.Equal(t, []WatchTarget{
		{Host: LocalHost, Path: "/var/log/auth.log", Kind: KindSSHLogin},
		{Host: "db1", Path: "/var/log/fail2ban.log", Kind: KindFail2Ban},
		{Host: "web2", Path: "/var/log/secure", Kind: KindSSHLogin},
		{Host: "web2", Path: "/var/log/fail2ban.log", Kind: KindFail2Ban},
	}, watchTargets(cfg))
}

func TestMonitorRunTailsLocalLogs(t *testing.T) {
	dir := t.TempDir()
	sshLog := filepath.Join(dir, "auth.log")
	f2bLog := filepath.Join(dir, "fail2ban.log")
	appendFile(t, sshLog, loginLine+"\n")
	appendFile(t, f2bLog, "")

	cfg := testConfig()
	cfg.Local = LogPaths{SSH: sshLog, Fail2Ban: f2bLog}

	fake := newFakeFail2ban(map[string][]string{LocalHost: {"sshd"}})
	f := newMonitorFixture(t, cfg, nil, newTestExecutor(fake, nil, nil, false))
	require.Len(t, f.monitor.Targets(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx)
		close(done)
	}()

	// The bootstrap replay delivers the existing login
	require.Eventually(t, func() bool { return f.notifier.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	appendFile(t, f2bLog, banLine+"\n")
	require.Eventually(t, func() bool { return f.notifier.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	for _, st := range f.monitor.Targets() {
		assert.True(t, st.Bootstrapped, st.Target.String())
		assert.Positive(t, st.Offset, st.Target.String())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}

func TestMonitorUnreachableHook(t *testing.T) {
	srv := newTestSSHServer(t, echoHandler)
	server := srv.clientConfig()
	srv.Close()

	cfg := testConfig()
	cfg.Servers = map[string]ServerConfig{"web1": server}
	sup := newTestSupervisor(t, cfg.Servers)
	f := newMonitorFixture(t, cfg, sup, nil)
	ctx := context.Background()

	_, err := sup.Acquire(ctx, "web1")
	require.Error(t, err)
	assert.Equal(t, []string{"web1"}, f.notifier.unreachableHosts())

	// Still failed: no new transition
	_, err = sup.Acquire(ctx, "web1")
	require.Error(t, err)
	assert.Len(t, f.notifier.unreachableHosts(), 1)
}

func TestMonitorUnreachableHookRespectsSwitchAndMute(t *testing.T) {
	cfg := testConfig()
	f := newMonitorFixture(t, cfg, nil, nil)
	unreachable := &UnreachableError{Host: "web1", Cause: CauseTimeout, Err: errors.New("i/o timeout")}

	f.gate.Mute(5)
	f.monitor.hostUnreachable("web1", unreachable)
	assert.Empty(t, f.notifier.unreachableHosts())

	f.gate.Unmute()
	cfg.Notifications.ServerUnreachable = boolPtr(false)
	f.monitor.hostUnreachable("web1", unreachable)
	assert.Empty(t, f.notifier.unreachableHosts())

	cfg.Notifications.ServerUnreachable = nil
	f.monitor.hostUnreachable("web1", unreachable)
	assert.Equal(t, []string{"web1"}, f.notifier.unreachableHosts())
}
