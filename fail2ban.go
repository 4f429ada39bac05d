package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const allJails = "all"

// ActionExecutor drives fail2ban-client and the permanent ban ledger
type ActionExecutor struct {
	runner       CommandRunner
	hosts        []string // local first, then remote hosts
	ledger       *BanLedger
	useSudo      bool
	firewallDrop bool
	metrics      *Metrics
	logger       *zap.Logger
}

// ExecutorOptions configures an ActionExecutor
type ExecutorOptions struct {
	UseSudo      bool
	FirewallDrop bool
	Metrics      *Metrics
	Logger       *zap.Logger
}

// NewActionExecutor returns an executor acting on LocalHost plus remoteHosts
func NewActionExecutor(runner CommandRunner, remoteHosts []string, ledger *BanLedger, opts ExecutorOptions) *ActionExecutor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ActionExecutor{
		runner:       runner,
		hosts:        append([]string{LocalHost}, remoteHosts...),
		ledger:       ledger,
		useSudo:      opts.UseSudo,
		firewallDrop: opts.FirewallDrop,
		metrics:      opts.Metrics,
		logger:       opts.Logger.Named("fail2ban"),
	}
}

// Ledger returns the permanent ban ledger
func (a *ActionExecutor) Ledger() *BanLedger {
	return a.ledger
}

// resolveHosts expands a host selector: "" or local, a host name, or all
func (a *ActionExecutor) resolveHosts(selector string) ([]string, error) {
	switch selector {
	case "", LocalHost:
		return []string{LocalHost}, nil
	case "all":
		return a.hosts, nil
	}
	for _, h := range a.hosts {
		if h == selector {
			return []string{h}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHost, selector)
}

func isAllJails(jail string) bool {
	return jail == "" || jail == "*" || jail == allJails
}

func (a *ActionExecutor) command(tool string, args ...string) string {
	cmd := tool + " " + strings.Join(args, " ")
	if a.useSudo {
		return "sudo " + cmd
	}
	return cmd
}

// ListJails returns the jail names configured on host
func (a *ActionExecutor) ListJails(ctx context.Context, host string) ([]string, error) {
	res := a.runner.Run(ctx, host, a.command("fail2ban-client", "status"))
	if !res.OK {
		return nil, fmt.Errorf("failed to list jails on %s: %w", host, res.Err)
	}
	value, ok := statusField(res.Output, "Jail list:")
	if !ok {
		return nil, fmt.Errorf("%w: no jail list in fail2ban status output on %s", ErrParseMismatch, host)
	}
	return splitList(value), nil
}

// BannedIPs returns the addresses currently banned in jail on host
func (a *ActionExecutor) BannedIPs(ctx context.Context, jail, host string) ([]string, error) {
	if err := validateJailArg(jail); err != nil {
		return nil, err
	}
	res := a.runner.Run(ctx, host, a.command("fail2ban-client", "status", jail))
	if !res.OK {
		return nil, fmt.Errorf("failed to get status of jail %s on %s: %w", jail, host, res.Err)
	}
	value, ok := statusField(res.Output, "Banned IP list:")
	if !ok {
		return nil, fmt.Errorf("%w: no banned IP list in status of jail %s on %s", ErrParseMismatch, jail, host)
	}
	return splitList(value), nil
}

// statusField returns the text after label on the first line containing it
func statusField(output, label string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		if i := strings.Index(line, label); i >= 0 {
			return strings.TrimSpace(line[i+len(label):]), true
		}
	}
	return "", false
}

// splitList splits a fail2ban list on commas and whitespace
func splitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if fields == nil {
		return []string{}
	}
	return fields
}

// Ban bans ip in jail on the selected hosts
func (a *ActionExecutor) Ban(ctx context.Context, ip, jail, selector string) (*ActionReport, error) {
	return a.jailAction(ctx, "ban", "banip", ip, jail, selector)
}

// Unban unbans ip from jail on the selected hosts
func (a *ActionExecutor) Unban(ctx context.Context, ip, jail, selector string) (*ActionReport, error) {
	return a.jailAction(ctx, "unban", "unbanip", ip, jail, selector)
}

func (a *ActionExecutor) jailAction(ctx context.Context, action, verb, ip, jail, selector string) (*ActionReport, error) {
	ip, err := normalizeIP(ip)
	if err != nil {
		return nil, err
	}
	if !isAllJails(jail) {
		if err := validateJailArg(jail); err != nil {
			return nil, err
		}
	}
	hosts, err := a.resolveHosts(selector)
	if err != nil {
		return nil, err
	}

	report := &ActionReport{Action: action, IP: ip}
	a.forEachHost(hosts, report, func(host string, r *ActionReport) {
		jails := []string{jail}
		if isAllJails(jail) {
			listed, err := a.ListJails(ctx, host)
			if err != nil {
				r.fail(host, "", err)
				return
			}
			jails = listed
		}
		for _, j := range jails {
			a.setIP(ctx, r, host, j, verb, ip)
		}
	})

	a.logReport(report)
	return report, nil
}

// setIP runs one "set <jail> banip|unbanip <ip>" and records the result
func (a *ActionExecutor) setIP(ctx context.Context, r *ActionReport, host, jail, verb, ip string) {
	res := a.runner.Run(ctx, host, a.command("fail2ban-client", "set", jail, verb, ip))
	a.metrics.action(verb, res.OK)
	if !res.OK {
		r.fail(host, jail, res.Err)
		return
	}
	r.succeed(host, jail)
}

// forEachHost runs fn concurrently per host and merges the per-host reports
func (a *ActionExecutor) forEachHost(hosts []string, report *ActionReport, fn func(host string, r *ActionReport)) {
	reports := make([]*ActionReport, len(hosts))
	var wg sync.WaitGroup
	for i, host := range hosts {
		reports[i] = &ActionReport{}
		wg.Add(1)
		go func(host string, r *ActionReport) {
			defer wg.Done()
			fn(host, r)
		}(host, reports[i])
	}
	wg.Wait()

	for _, r := range reports {
		report.merge(r)
	}
}

// AllBanned returns every jail's banned list on the selected hosts
func (a *ActionExecutor) AllBanned(ctx context.Context, selector string) ([]JailStatus, *ActionReport, error) {
	hosts, err := a.resolveHosts(selector)
	if err != nil {
		return nil, nil, err
	}

	perHost := make([][]JailStatus, len(hosts))
	index := make(map[string]int, len(hosts))
	for i, h := range hosts {
		index[h] = i
	}

	report := &ActionReport{Action: "list"}
	a.forEachHost(hosts, report, func(host string, r *ActionReport) {
		jails, err := a.ListJails(ctx, host)
		if err != nil {
			r.fail(host, "", err)
			return
		}
		var statuses []JailStatus
		for _, jail := range jails {
			banned, err := a.BannedIPs(ctx, jail, host)
			if err != nil {
				r.fail(host, jail, err)
				continue
			}
			statuses = append(statuses, JailStatus{Host: host, Jail: jail, Banned: banned})
			r.succeed(host, jail)
		}
		perHost[index[host]] = statuses
	})

	var all []JailStatus
	for _, statuses := range perHost {
		all = append(all, statuses...)
	}
	return all, report, nil
}

// BanPermanently records ip in the ledger and bans it in every jail on every
// host. The returned error is non-nil only when the ledger could not be
// saved; host failures are in the report.
func (a *ActionExecutor) BanPermanently(ctx context.Context, ip, reason, author string) (*ActionReport, error) {
	ip, err := normalizeIP(ip)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual permanent ban"
	}

	persistErr := a.ledger.Add(PermanentBan{IP: ip, Timestamp: time.Now().UTC(), Reason: reason, Author: author})
	if persistErr != nil {
		a.logger.Error("permanent ban not persisted", zap.String("ip", ip), zap.Error(persistErr))
	}

	report, err := a.Ban(ctx, ip, allJails, "all")
	if err != nil {
		return nil, err
	}
	report.Action = "permanent_ban"

	if a.firewallDrop {
		a.forEachHost(a.hosts, report, func(host string, r *ActionReport) {
			a.ensureDropRule(ctx, r, host, ip)
		})
	}

	a.logger.Info("permanent ban added", zap.String("ip", ip), zap.String("author", author), zap.String("reason", reason))
	return report, persistErr
}

// RemovePermanentBan deletes the ledger record and removes any firewall
// rule. Jail bans are left in place.
func (a *ActionExecutor) RemovePermanentBan(ctx context.Context, ip string) (*ActionReport, error) {
	ip, err := normalizeIP(ip)
	if err != nil {
		return nil, err
	}

	existed, persistErr := a.ledger.Remove(ip)
	if !existed {
		return nil, fmt.Errorf("%w: %s has no permanent ban", ErrInvalidArgument, ip)
	}

	report := &ActionReport{Action: "permanent_unban", IP: ip}
	if a.firewallDrop {
		a.forEachHost(a.hosts, report, func(host string, r *ActionReport) {
			res := a.runner.Run(ctx, host, a.command(firewallTool(ip), "-D", "INPUT", "-s", ip, "-j", "DROP"))
			a.metrics.action("firewall_remove", res.OK)
			if res.OK {
				r.succeed(host, "")
			} else {
				// Best-effort; the rule may never have existed
				a.logger.Debug("firewall rule not removed", zap.String("host", host), zap.String("ip", ip), zap.Error(res.Err))
			}
		})
	}

	a.logger.Info("permanent ban removed", zap.String("ip", ip))
	return report, persistErr
}

// EnsurePermanentBans re-applies every ledger record to every jail on every
// host, banning only where the address is missing.
func (a *ActionExecutor) EnsurePermanentBans(ctx context.Context) *ActionReport {
	records := a.ledger.List()
	report := &ActionReport{Action: "ensure_permanent_bans"}
	if len(records) == 0 {
		return report
	}

	a.forEachHost(a.hosts, report, func(host string, r *ActionReport) {
		jails, err := a.ListJails(ctx, host)
		if err != nil {
			r.fail(host, "", err)
			return
		}
		for _, jail := range jails {
			banned, err := a.BannedIPs(ctx, jail, host)
			if err != nil {
				r.fail(host, jail, err)
				continue
			}
			present := make(map[string]bool, len(banned))
			for _, ip := range banned {
				present[ip] = true
			}
			for _, rec := range records {
				if present[rec.IP] {
					r.skip(host, jail)
					continue
				}
				a.setIP(ctx, r, host, jail, "banip", rec.IP)
			}
		}
		if a.firewallDrop {
			for _, rec := range records {
				a.ensureDropRule(ctx, r, host, rec.IP)
			}
		}
	})

	if len(report.Succeeded) > 0 || len(report.Failed) > 0 {
		a.logReport(report)
	}
	return report
}

// ensureDropRule installs an iptables DROP rule for ip unless one exists
func (a *ActionExecutor) ensureDropRule(ctx context.Context, r *ActionReport, host, ip string) {
	rule := []string{"INPUT", "-s", ip, "-j", "DROP"}
	if res := a.runner.Run(ctx, host, a.command(firewallTool(ip), append([]string{"-C"}, rule...)...)); res.OK {
		return
	}
	res := a.runner.Run(ctx, host, a.command(firewallTool(ip), append([]string{"-I"}, rule...)...))
	a.metrics.action("firewall_drop", res.OK)
	if !res.OK {
		r.fail(host, "iptables", res.Err)
		return
	}
	r.succeed(host, "iptables")
}

// firewallTool picks iptables or ip6tables for a normalized address
func firewallTool(ip string) string {
	if strings.Contains(ip, ":") {
		return "ip6tables"
	}
	return "iptables"
}

func (a *ActionExecutor) logReport(r *ActionReport) {
	fields := []zap.Field{
		zap.String("action", r.Action),
		zap.Int("succeeded", len(r.Succeeded)),
		zap.Int("skipped", len(r.Skipped)),
		zap.Int("failed", len(r.Failed)),
	}
	if r.IP != "" {
		fields = append(fields, zap.String("ip", r.IP))
	}
	if r.OK() {
		a.logger.Info("action completed", fields...)
	} else {
		a.logger.Warn("action completed with failures", fields...)
	}
}
