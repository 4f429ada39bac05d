package main

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// LineFormat recognizes one historical variant of a log line
type LineFormat interface {
	Name() string
	Kind() EventKind
	Match(line string) (*RawEvent, bool)
}

// regexFormat is a LineFormat driven by one regular expression with named groups
type regexFormat struct {
	name  string
	kind  EventKind
	re    *regexp.Regexp
	build func(groups map[string]string) (*RawEvent, bool)
}

func (f *regexFormat) Name() string    { return f.name }
func (f *regexFormat) Kind() EventKind { return f.kind }

func (f *regexFormat) Match(line string) (*RawEvent, bool) {
	m := f.re.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	groups := make(map[string]string, len(m))
	for i, name := range f.re.SubexpNames() {
		if name != "" && m[i] != "" {
			groups[name] = m[i]
		}
	}
	event, ok := f.build(groups)
	if !ok {
		return nil, false
	}
	event.Kind = f.kind
	event.Line = line
	return event, true
}

const (
	syslogTimestamp = `(?P<ts>[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`
	isoTimestamp    = `(?P<ts>\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)`
	fail2banISOTime = `(?P<ts>\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3})`

	sshdAccepted = `\s+\S+\s+sshd(?:-session)?\[\d+\]:\s+Accepted\s+` +
		`(?P<method>publickey|password|keyboard-interactive(?:/pam)?|hostbased|gssapi-with-mic)` +
		`\s+for\s+(?P<user>\S+)\s+from\s+(?P<ip>[0-9A-Fa-f:.]+)`

	// Ban, Unban and Found carry the IP after the keyword; "already banned" before it
	fail2banAction = `\s*\[\d+\]:\s+(?:NOTICE|INFO|WARNING)\s+\[(?P<jail>[^\]\s]+)\]\s+` +
		`(?:(?P<verb>Ban|Unban|Found)\s+(?P<ip>[0-9A-Fa-f:.]+)|(?P<bip>[0-9A-Fa-f:.]+)\s+already banned)`
)

var (
	sshdSyslogFormat = &regexFormat{
		name:  "sshd-syslog",
		kind:  KindSSHLogin,
		re:    regexp.MustCompile(`^` + syslogTimestamp + sshdAccepted),
		build: buildLogin,
	}
	sshdISOFormat = &regexFormat{
		name:  "sshd-iso",
		kind:  KindSSHLogin,
		re:    regexp.MustCompile(`^` + isoTimestamp + sshdAccepted),
		build: buildLogin,
	}
	fail2banISOFormat = &regexFormat{
		name:  "fail2ban-iso",
		kind:  KindFail2Ban,
		re:    regexp.MustCompile(`^` + fail2banISOTime + `\s+fail2ban\.(?:actions|filter)` + fail2banAction),
		build: buildFail2Ban,
	}
	fail2banSyslogFormat = &regexFormat{
		name:  "fail2ban-syslog",
		kind:  KindFail2Ban,
		re:    regexp.MustCompile(`^` + syslogTimestamp + `\s+\S+\s+fail2ban\.(?:actions|filter)` + fail2banAction),
		build: buildFail2Ban,
	}
)

// defaultFormats returns the built-in formats in priority order
func defaultFormats() []LineFormat {
	return []LineFormat{
		fail2banISOFormat,
		fail2banSyslogFormat,
		sshdSyslogFormat,
		sshdISOFormat,
	}
}

func buildLogin(g map[string]string) (*RawEvent, bool) {
	return &RawEvent{
		Timestamp: g["ts"],
		Username:  g["user"],
		Method:    g["method"],
		IP:        g["ip"],
	}, true
}

func buildFail2Ban(g map[string]string) (*RawEvent, bool) {
	event := &RawEvent{Timestamp: g["ts"], Jail: g["jail"]}

	switch g["verb"] {
	case "Ban":
		event.SubKind, event.IP = SubKindBan, g["ip"]
	case "Unban":
		event.SubKind, event.IP = SubKindUnban, g["ip"]
	case "Found":
		event.SubKind, event.IP = SubKindDetected, g["ip"]
	default:
		event.SubKind, event.IP = SubKindAlreadyBanned, g["bip"]
	}

	addr, err := netip.ParseAddr(event.IP)
	if err != nil {
		return nil, false
	}
	event.IP = addr.String()
	return event, true
}

// Matcher extracts RawEvents from log lines using ordered format lists per kind
type Matcher struct {
	formats map[EventKind][]LineFormat
	logger  *zap.Logger
}

// NewMatcher returns a matcher loaded with formats; nil means the built-in set
func NewMatcher(logger *zap.Logger, formats ...LineFormat) *Matcher {
	if len(formats) == 0 {
		formats = defaultFormats()
	}
	m := &Matcher{formats: make(map[EventKind][]LineFormat), logger: logger}
	for _, f := range formats {
		m.Register(f)
	}
	return m
}

// Register appends a format to the end of its kind's priority list
func (m *Matcher) Register(f LineFormat) {
	m.formats[f.Kind()] = append(m.formats[f.Kind()], f)
}

// Parse returns the first structural match for line, or ErrParseMismatch
func (m *Matcher) Parse(kind EventKind, line string) (*RawEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	for _, f := range m.formats[kind] {
		if event, ok := f.Match(line); ok {
			return event, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrParseMismatch, kind)
}

// Match is Parse with mismatches dropped at debug level
func (m *Matcher) Match(kind EventKind, line string) (*RawEvent, bool) {
	event, err := m.Parse(kind, line)
	if err != nil {
		m.logger.Debug("line dropped", zap.String("kind", string(kind)), zap.String("line", line))
		return nil, false
	}
	return event, true
}
