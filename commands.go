package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultLoginLines = 5
	maxLoginLines     = 20
	defaultLocalSSH   = "/var/log/auth.log"
)

// CommandsOptions holds the collaborators of the command surface
type CommandsOptions struct {
	Config   *Config
	Monitor  *Monitor
	Sessions *SessionSupervisor
	Actions  *ActionExecutor
	Gate     *NotificationGate
	Matcher  *Matcher
	Runner   CommandRunner
	Logger   *zap.Logger
}

// Commands is the query and action surface used by the front ends. Every
// failure is returned as a *CommandError.
type Commands struct {
	cfg      *Config
	monitor  *Monitor
	sessions *SessionSupervisor
	actions  *ActionExecutor
	gate     *NotificationGate
	matcher  *Matcher
	runner   CommandRunner
	logger   *zap.Logger
}

// NewCommands creates the command surface
func NewCommands(opts CommandsOptions) *Commands {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = newHostRunner(opts.Sessions)
	}
	return &Commands{
		cfg:      opts.Config,
		monitor:  opts.Monitor,
		sessions: opts.Sessions,
		actions:  opts.Actions,
		gate:     opts.Gate,
		matcher:  opts.Matcher,
		runner:   opts.Runner,
		logger:   opts.Logger.Named("commands"),
	}
}

// asCommandError tags err with a reason unless it already carries one
func asCommandError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr
	}
	return commandErrorf(err, "%s: %v", fmt.Sprintf(format, args...), err)
}

// Status reports local services, sessions, mute state and engine counters
func (c *Commands) Status(ctx context.Context) (*SystemStatus, error) {
	status := &SystemStatus{
		Local:         []ServiceState{c.serviceState(ctx, LocalHost, "fail2ban"), c.serviceState(ctx, LocalHost, "ssh")},
		Servers:       []SessionStatus{},
		Notifications: c.gate.State(),
		LocalOnly:     c.cfg.General.LocalOnly,
		GeneratedAt:   time.Now(),
	}
	for _, host := range c.sessions.Hosts() {
		if st, err := c.sessions.Status(host); err == nil {
			status.Servers = append(status.Servers, st)
		}
	}
	if c.monitor != nil {
		status.Engine = c.monitor.Stats()
	}
	return status, nil
}

// serviceState asks systemd whether a unit is active
func (c *Commands) serviceState(ctx context.Context, host, unit string) ServiceState {
	res := c.runner.Run(ctx, host, "systemctl is-active "+shellQuote(unit))
	state := firstLine(res.Output)
	if res.ExitStatus < 0 || state == "" {
		state = "unknown"
	}
	return ServiceState{Name: unit, Active: state == "active", State: state}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// LoginHistory returns the last n accepted logins of every host
func (c *Commands) LoginHistory(ctx context.Context, n int) (*LoginHistory, error) {
	if n <= 0 {
		n = defaultLoginLines
	}
	if n > maxLoginLines {
		n = maxLoginLines
	}

	type source struct {
		host, path string
	}
	local := c.cfg.Local.SSH
	if local == "" {
		local = defaultLocalSSH
	}
	sources := []source{{LocalHost, local}}
	for _, name := range c.cfg.serverNames() {
		if path := c.cfg.Servers[name].Logs.SSH; path != "" {
			sources = append(sources, source{name, path})
		}
	}

	records := make([][]LoginRecord, len(sources))
	failures := make([]*ActionFailure, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src source) {
			defer wg.Done()
			path := shellQuote(src.path)
			// The pipeline exits with tail's status, so check readability first
			cmd := fmt.Sprintf("if [ -r %s ]; then grep -a 'Accepted' %s | tail -n %d; else echo %s >&2; exit 2; fi",
				path, path, n, shellQuote("cannot read "+src.path))
			res := c.runner.Run(ctx, src.host, cmd)
			if !res.OK {
				reason := res.Output
				if res.Err != nil {
					reason = res.Err.Error()
				}
				failures[i] = &ActionFailure{Host: src.host, Reason: reason}
				return
			}
			records[i] = c.parseLogins(src.host, res.Output)
		}(i, src)
	}
	wg.Wait()

	history := &LoginHistory{Lines: n, Records: []LoginRecord{}}
	for i := range sources {
		history.Records = append(history.Records, records[i]...)
		if failures[i] != nil {
			history.Unavailable = append(history.Unavailable, *failures[i])
		}
	}
	return history, nil
}

func (c *Commands) parseLogins(host, output string) []LoginRecord {
	var records []LoginRecord
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		event, err := c.matcher.Parse(KindSSHLogin, line)
		if err != nil {
			continue
		}
		records = append(records, LoginRecord{
			Host:      host,
			Username:  event.Username,
			IP:        event.IP,
			Method:    event.Method,
			Timestamp: event.Timestamp,
		})
	}
	return records
}

// ServerList returns every configured server and its session state
func (c *Commands) ServerList() []ServerInfo {
	servers := []ServerInfo{}
	for _, name := range c.cfg.serverNames() {
		cfg := c.cfg.Servers[name]
		info := ServerInfo{Name: name, Hostname: cfg.Hostname, Port: cfg.Port, State: SessionDisconnected}
		if st, err := c.sessions.Status(name); err == nil {
			info.State = st.State
		}
		servers = append(servers, info)
	}
	return servers
}

// ServerStatus reports the session and system state of one server. A
// disconnected server gets one reconnect attempt when reconnect is set,
// otherwise only its session state is reported and nothing is dialed.
func (c *Commands) ServerStatus(ctx context.Context, host string, reconnect bool) (*ServerDetail, error) {
	if !c.sessions.Has(host) {
		return nil, commandErrorf(ErrUnknownHost, "unknown server: %s", host)
	}
	detail := &ServerDetail{Name: host}

	if !c.sessions.IsLive(host) {
		if !reconnect {
			st, _ := c.sessions.Status(host)
			detail.State = st.State
			detail.LastError = st.LastError
			return detail, nil
		}
		if err := c.sessions.Reconnect(ctx, host); err != nil {
			st, _ := c.sessions.Status(host)
			detail.State = st.State
			detail.LastError = err.Error()
			return detail, nil
		}
		detail.Reconnected = true
	}

	if res := c.runner.Run(ctx, host, "uptime -p"); res.OK {
		detail.Uptime = strings.TrimSpace(res.Output)
	}
	if res := c.runner.Run(ctx, host, "cat /proc/loadavg"); res.OK {
		if fields := strings.Fields(res.Output); len(fields) >= 3 {
			detail.Load = fields[:3]
		}
	}
	if res := c.runner.Run(ctx, host, "free -h | grep Mem"); res.OK {
		if fields := strings.Fields(res.Output); len(fields) >= 3 {
			detail.MemoryTotal, detail.MemoryUsed = fields[1], fields[2]
		}
	}
	if res := c.runner.Run(ctx, host, "df -h / | tail -1"); res.OK {
		if fields := strings.Fields(res.Output); len(fields) >= 5 {
			detail.DiskTotal, detail.DiskUsed, detail.DiskPercent = fields[1], fields[2], fields[4]
		}
	}
	detail.Services = []ServiceState{c.serviceState(ctx, host, "fail2ban"), c.serviceState(ctx, host, "ssh")}

	st, _ := c.sessions.Status(host)
	detail.State = st.State
	detail.LastError = st.LastError
	return detail, nil
}

// Mute silences notifications for minutes (default 30, at most 1440)
func (c *Commands) Mute(minutes int) MuteStatus {
	until := c.gate.Mute(minutes)
	c.logger.Info("notifications muted", zap.Time("until", until))
	return c.gate.State()
}

// Unmute re-enables notifications
func (c *Commands) Unmute() MuteStatus {
	c.gate.Unmute()
	c.logger.Info("notifications unmuted")
	return c.gate.State()
}

// Fail2banList returns the jails of the selected hosts
func (c *Commands) Fail2banList(ctx context.Context, selector string) ([]HostJails, error) {
	hosts, err := c.actions.resolveHosts(selector)
	if err != nil {
		return nil, asCommandError(err, "cannot list jails")
	}
	out := make([]HostJails, len(hosts))
	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			jails, err := c.actions.ListJails(ctx, host)
			out[i] = HostJails{Host: host, Jails: jails}
			if err != nil {
				out[i].Jails = []string{}
				out[i].Error = err.Error()
			}
		}(i, host)
	}
	wg.Wait()
	return out, nil
}

// Fail2banAllBanned returns every jail's banned list on the selected hosts
func (c *Commands) Fail2banAllBanned(ctx context.Context, selector string) (*BannedOverview, error) {
	jails, report, err := c.actions.AllBanned(ctx, selector)
	if err != nil {
		return nil, asCommandError(err, "cannot list banned addresses")
	}
	if jails == nil {
		jails = []JailStatus{}
	}
	return &BannedOverview{Jails: jails, Report: report}, nil
}

// Fail2banStatus returns the banned list of one jail on one host
func (c *Commands) Fail2banStatus(ctx context.Context, jail, host string) (*JailStatus, error) {
	if host == "all" {
		return nil, commandErrorf(ErrInvalidArgument, "jail status needs a single host")
	}
	hosts, err := c.actions.resolveHosts(host)
	if err != nil {
		return nil, asCommandError(err, "cannot get jail status")
	}
	banned, err := c.actions.BannedIPs(ctx, jail, hosts[0])
	if err != nil {
		return nil, asCommandError(err, "cannot get status of jail %s on %s", jail, hosts[0])
	}
	return &JailStatus{Host: hosts[0], Jail: jail, Banned: banned}, nil
}

// Fail2banBan bans ip in jail on the selected hosts
func (c *Commands) Fail2banBan(ctx context.Context, ip, jail, selector string) (*ActionReport, error) {
	report, err := c.actions.Ban(ctx, ip, jail, selector)
	return reportResult(report, err, "ban")
}

// Fail2banUnban unbans ip from jail on the selected hosts
func (c *Commands) Fail2banUnban(ctx context.Context, ip, jail, selector string) (*ActionReport, error) {
	report, err := c.actions.Unban(ctx, ip, jail, selector)
	return reportResult(report, err, "unban")
}

// reportResult fails only when no step succeeded; partial results keep the report
func reportResult(report *ActionReport, err error, action string) (*ActionReport, error) {
	if err != nil {
		return nil, asCommandError(err, "%s rejected", action)
	}
	if len(report.Succeeded) == 0 && len(report.Failed) > 0 {
		first := report.Failed[0]
		return report, commandErrorf(ErrCommandFailed, "%s of %s failed on %s: %s", action, report.IP, first.Host, first.Reason)
	}
	return report, nil
}

// PermBanList returns the permanent ban ledger
func (c *Commands) PermBanList() []PermanentBan {
	return c.actions.Ledger().List()
}

// PermBanAdd records and applies a permanent ban. If the ledger could not be
// saved the report is returned together with the error.
func (c *Commands) PermBanAdd(ctx context.Context, ip, reason, author string) (*ActionReport, error) {
	report, err := c.actions.BanPermanently(ctx, ip, reason, author)
	if err != nil {
		if report == nil {
			return nil, asCommandError(err, "permanent ban rejected")
		}
		return report, asCommandError(err, "permanent ban of %s applied but not saved", report.IP)
	}
	return report, nil
}

// PermBanRemove deletes a permanent ban record
func (c *Commands) PermBanRemove(ctx context.Context, ip string) (*ActionReport, error) {
	report, err := c.actions.RemovePermanentBan(ctx, ip)
	if err != nil {
		if report == nil {
			return nil, asCommandError(err, "cannot remove permanent ban")
		}
		return report, asCommandError(err, "permanent ban of %s removed but not saved", report.IP)
	}
	return report, nil
}

// ResolveAction executes the action bound to a notification token
func (c *Commands) ResolveAction(ctx context.Context, token, author string) (*ActionReport, error) {
	if c.monitor == nil {
		return nil, commandErrorf(ErrInvalidArgument, "action tokens are not available")
	}
	action, ok := c.monitor.Registry().take(token)
	if !ok {
		return nil, commandErrorf(ErrInvalidArgument, "unknown or expired action token")
	}
	c.logger.Info("resolving suggested action",
		zap.String("kind", string(action.Kind)),
		zap.String("ip", action.IP),
		zap.String("host", action.Host),
		zap.String("author", author))

	switch action.Kind {
	case PendingBan:
		return c.Fail2banBan(ctx, action.IP, action.Jail, action.Host)
	case PendingUnban:
		return c.Fail2banUnban(ctx, action.IP, action.Jail, action.Host)
	case PendingPermanent:
		return c.PermBanAdd(ctx, action.IP, action.Reason, author)
	}
	return nil, commandErrorf(ErrInvalidArgument, "unsupported action %s", action.Kind)
}
