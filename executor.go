package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"regexp"
	"strings"
)

// CommandRunner executes shell commands on a host
type CommandRunner interface {
	Run(ctx context.Context, host, command string) CommandResult
}

// RemoteExecutor runs commands on a remote host
type RemoteExecutor interface {
	Execute(ctx context.Context, host, command string) CommandResult
}

// hostRunner executes on the local machine for LocalHost and through the
// session supervisor for every other host.
type hostRunner struct {
	remote RemoteExecutor
}

func newHostRunner(remote RemoteExecutor) *hostRunner {
	return &hostRunner{remote: remote}
}

func (r *hostRunner) Run(ctx context.Context, host, command string) CommandResult {
	if host == LocalHost || host == "" {
		return runLocal(ctx, command)
	}
	if r.remote == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownHost, host)
		return CommandResult{Output: err.Error(), ExitStatus: -1, Err: err}
	}
	return r.remote.Execute(ctx, host, command)
}

// runLocal runs command with sh -c
func runLocal(ctx context.Context, command string) CommandResult {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return CommandResult{OK: true, Output: stdout.String()}
	}

	out := strings.TrimSpace(stderr.String())
	if out == "" {
		out = strings.TrimSpace(stdout.String())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CommandResult{
			Output:     out,
			ExitStatus: exitErr.ExitCode(),
			Err:        fmt.Errorf("%w: exit status %d: %s", ErrCommandFailed, exitErr.ExitCode(), out),
		}
	}
	if out == "" {
		out = err.Error()
	}
	return CommandResult{Output: out, ExitStatus: -1, Err: fmt.Errorf("%w: %v", ErrCommandFailed, err)}
}

var jailNameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// validateIPArg checks that ip is a literal IPv4 or IPv6 address
func validateIPArg(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.Zone() != "" {
		return fmt.Errorf("%w: invalid IP address %q", ErrInvalidArgument, ip)
	}
	return nil
}

// normalizeIP returns the canonical form of an address argument
func normalizeIP(ip string) (string, error) {
	if err := validateIPArg(strings.TrimSpace(ip)); err != nil {
		return "", err
	}
	addr, _ := netip.ParseAddr(strings.TrimSpace(ip))
	return addr.String(), nil
}

// validateJailArg checks that jail is safe to pass to fail2ban-client
func validateJailArg(jail string) error {
	if !jailNameRegex.MatchString(jail) {
		return fmt.Errorf("%w: invalid jail name %q", ErrInvalidArgument, jail)
	}
	return nil
}

// shellQuote single-quotes s for sh
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
