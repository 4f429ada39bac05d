package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/securewatch/config.yaml"

// Config is the full securewatch configuration file
type Config struct {
	General       GeneralConfig           `yaml:"general"`
	Local         LogPaths                `yaml:"local"`
	Servers       map[string]ServerConfig `yaml:"servers"`
	Notifications NotificationConfig      `yaml:"notifications"`
	Customization CustomizationConfig     `yaml:"customization"`
	Dedup         DedupConfig             `yaml:"dedup"`
	NATS          NATSConfig              `yaml:"nats"`
	API           APIConfig               `yaml:"api"`
	PermanentBans map[string]PermanentBan `yaml:"permanent_bans"`
}

// GeneralConfig holds engine-wide settings
type GeneralConfig struct {
	LocalOnly         bool          `yaml:"local_only"`          // Ignore the servers section
	LogLevel          string        `yaml:"log_level"`           // debug, info, warn, error
	PrettyLog         bool          `yaml:"pretty_log"`          // Console encoder instead of JSON
	PollInterval      time.Duration `yaml:"poll_interval"`       // Tailer poll interval (default 10s)
	BootstrapLines    int           `yaml:"bootstrap_lines"`     // Lines replayed on the first poll (default 5)
	MaxLineLength     int           `yaml:"max_line_length"`     // Pending partial lines longer than this are skipped
	SelfCheckInterval time.Duration `yaml:"self_check_interval"` // Permanent ban re-application interval (default 1h)
	UseSudo           *bool         `yaml:"use_sudo"`            // Prefix fail2ban/iptables commands with sudo (default true)
	FirewallDrop      bool          `yaml:"firewall_drop"`       // Also install iptables DROP rules for permanent bans
	PIDFile           string        `yaml:"pid_file"`
}

// LogPaths lists the watched logs of one host
type LogPaths struct {
	SSH      string `yaml:"ssh_log"`
	Fail2Ban string `yaml:"fail2ban_log"`
}

// ServerConfig describes one remote host reachable over SSH
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`

	// Authentication settings
	KeyPath    string `yaml:"key_path,omitempty"`   // Path to private key file
	KeyData    string `yaml:"key_data,omitempty"`   // Inline private key (base64)
	Passphrase string `yaml:"passphrase,omitempty"` // Passphrase for encrypted keys
	Password   string `yaml:"password,omitempty"`

	// Host validation
	StrictHostKeyChecking *bool  `yaml:"strict_host_key_checking,omitempty"` // Default true
	KnownHosts            string `yaml:"known_hosts,omitempty"`
	HostKeyFingerprint    string `yaml:"host_key_fingerprint,omitempty"` // SHA256:...

	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Dial + handshake bound (default 10s)
	KeepAlive      time.Duration `yaml:"keep_alive"`      // Keepalive probe interval (default 30s)

	Logs LogPaths `yaml:"logs"`
}

// NotificationConfig toggles notification types
type NotificationConfig struct {
	SSHLogin          *bool `yaml:"ssh_login"`
	Fail2BanBlock     *bool `yaml:"fail2ban_block"`
	ServerUnreachable *bool `yaml:"server_unreachable"`
}

// CustomizationConfig controls notification enrichment
type CustomizationConfig struct {
	ResolveHostnames bool   `yaml:"resolve_hostnames"`
	ShowIPInfoLink   bool   `yaml:"show_ipinfo_link"`
	DNSResolver      string `yaml:"dns_resolver"` // host:port used for PTR lookups
}

// DedupConfig selects the seen-set backend
type DedupConfig struct {
	Backend  string `yaml:"backend"`   // memory or redis
	RedisURL string `yaml:"redis_url"` // redis://host:6379/0
	Key      string `yaml:"key"`       // Redis set key
}

// NATSConfig configures the NATS notifier
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// APIConfig configures the HTTP command API
type APIConfig struct {
	Listen      string        `yaml:"listen"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Users       []APIUser     `yaml:"users"`
	LDAP        LDAPConfig    `yaml:"ldap"`
	LoginRate   float64       `yaml:"login_rate"`  // Login attempts per second per client IP
	LoginBurst  int           `yaml:"login_burst"` // Burst of login attempts per client IP
	TrustProxy  bool          `yaml:"trust_proxy"` // Honour X-Forwarded-For
}

// APIUser is a locally configured API account
type APIUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         Role   `yaml:"role"`
}

// LDAPConfig configures LDAP authentication
type LDAPConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Server       string   `yaml:"server"`
	Port         int      `yaml:"port"`
	BaseDN       string   `yaml:"base_dn"`
	BindDN       string   `yaml:"bind_dn"`
	BindPassword string   `yaml:"bind_password"`
	UserAttr     string   `yaml:"user_attr"`     // default uid
	SearchFilter string   `yaml:"search_filter"` // extra filter ANDed with the user match
	AdminUsers   []string `yaml:"admin_users"`   // LDAP users granted the admin role
}

var serverNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// loadConfig reads, defaults and validates the configuration file
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyConfigDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseConfig decodes YAML without applying defaults
func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	for ip, ban := range cfg.PermanentBans {
		ban.IP = ip
		cfg.PermanentBans[ip] = ban
	}

	return &cfg, nil
}

// applyEnvOverrides lets the environment override selected settings
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SECUREWATCH_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
	if os.Getenv("DEBUG") != "" {
		cfg.General.LogLevel = "debug"
	}
	if v := os.Getenv("SECUREWATCH_REDIS"); v != "" {
		cfg.Dedup.Backend = "redis"
		cfg.Dedup.RedisURL = v
	}
	if v := os.Getenv("SECUREWATCH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SECUREWATCH_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("SECUREWATCH_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
}

// applyConfigDefaults fills unset values
func applyConfigDefaults(cfg *Config) {
	g := &cfg.General
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.PollInterval == 0 {
		g.PollInterval = 10 * time.Second
	}
	if g.BootstrapLines == 0 {
		g.BootstrapLines = 5
	}
	if g.MaxLineLength == 0 {
		g.MaxLineLength = 8192
	}
	if g.SelfCheckInterval == 0 {
		g.SelfCheckInterval = time.Hour
	}
	if g.UseSudo == nil {
		g.UseSudo = boolPtr(true)
	}

	if g.LocalOnly {
		cfg.Servers = nil
	}
	for name, server := range cfg.Servers {
		if server.Port == 0 {
			server.Port = 22
		}
		if server.ConnectTimeout == 0 {
			server.ConnectTimeout = 10 * time.Second
		}
		if server.KeepAlive == 0 {
			server.KeepAlive = 30 * time.Second
		}
		if server.StrictHostKeyChecking == nil {
			server.StrictHostKeyChecking = boolPtr(true)
		}
		cfg.Servers[name] = server
	}

	n := &cfg.Notifications
	if n.SSHLogin == nil {
		n.SSHLogin = boolPtr(true)
	}
	if n.Fail2BanBlock == nil {
		n.Fail2BanBlock = boolPtr(true)
	}
	if n.ServerUnreachable == nil {
		n.ServerUnreachable = boolPtr(true)
	}

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = "memory"
	}
	if cfg.Dedup.Key == "" {
		cfg.Dedup.Key = "securewatch:seen"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "securewatch.events"
	}

	a := &cfg.API
	if a.TokenExpiry == 0 {
		a.TokenExpiry = 12 * time.Hour
	}
	if a.LoginRate == 0 {
		a.LoginRate = 0.2
	}
	if a.LoginBurst == 0 {
		a.LoginBurst = 5
	}
	if a.LDAP.Port == 0 {
		a.LDAP.Port = 389
	}
	if a.LDAP.UserAttr == "" {
		a.LDAP.UserAttr = "uid"
	}

	if cfg.PermanentBans == nil {
		cfg.PermanentBans = make(map[string]PermanentBan)
	}
}

// validateConfig checks the defaulted configuration
func validateConfig(cfg *Config) error {
	if _, ok := parseLogLevel(cfg.General.LogLevel); !ok {
		return fmt.Errorf("invalid log level: %s", cfg.General.LogLevel)
	}
	if cfg.General.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s, got %v", cfg.General.PollInterval)
	}
	if cfg.General.BootstrapLines < 0 {
		return fmt.Errorf("bootstrap_lines must be >= 0, got %d", cfg.General.BootstrapLines)
	}

	for _, p := range []string{cfg.Local.SSH, cfg.Local.Fail2Ban} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("local log path must be absolute: %s", p)
		}
	}

	for name, server := range cfg.Servers {
		if err := validateServer(name, &server); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
	}

	switch cfg.Dedup.Backend {
	case "memory":
	case "redis":
		if cfg.Dedup.RedisURL == "" {
			return fmt.Errorf("dedup backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("invalid dedup backend: %s (must be memory or redis)", cfg.Dedup.Backend)
	}

	for i, user := range cfg.API.Users {
		if user.Username == "" {
			return fmt.Errorf("api user %d: username is required", i)
		}
		if !strings.HasPrefix(user.PasswordHash, "$2a$") && !strings.HasPrefix(user.PasswordHash, "$2b$") && !strings.HasPrefix(user.PasswordHash, "$2y$") {
			return fmt.Errorf("api user %s: password_hash must be a bcrypt hash", user.Username)
		}
		if !user.Role.Valid() {
			return fmt.Errorf("api user %s: invalid role %q (must be viewer or admin)", user.Username, user.Role)
		}
	}
	if cfg.API.LDAP.Enabled && (cfg.API.LDAP.Server == "" || cfg.API.LDAP.BaseDN == "") {
		return fmt.Errorf("ldap requires server and base_dn")
	}

	for ip := range cfg.PermanentBans {
		if err := validateIPArg(ip); err != nil {
			return fmt.Errorf("permanent_bans: %w", err)
		}
	}

	return nil
}

// validateServer validates a single server entry
func validateServer(name string, server *ServerConfig) error {
	if !serverNameRegex.MatchString(name) || name == LocalHost || name == "all" {
		return fmt.Errorf("invalid server name")
	}
	if server.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if server.User == "" {
		return fmt.Errorf("user is required")
	}
	if server.Port < 1 || server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", server.Port)
	}
	if server.KeyPath == "" && server.KeyData == "" && server.Password == "" {
		return fmt.Errorf("key_path, key_data or password is required")
	}
	if *server.StrictHostKeyChecking && server.KnownHosts == "" && server.HostKeyFingerprint == "" {
		return fmt.Errorf("strict host key checking enabled but no known_hosts or host_key_fingerprint provided")
	}
	for _, p := range []string{server.Logs.SSH, server.Logs.Fail2Ban} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("log path must be absolute: %s", p)
		}
	}
	return nil
}

// serverNames returns the configured server names in sorted order
func (c *Config) serverNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// logPaths returns the watched logs of a host, local included
func (c *Config) logPaths(host string) (LogPaths, bool) {
	if host == LocalHost {
		return c.Local, true
	}
	server, ok := c.Servers[host]
	return server.Logs, ok
}

func boolPtr(b bool) *bool {
	return &b
}

func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// ConfigStore owns the configuration file on disk. Mutations rewrite the
// whole file; the store is the single writer inside the process.
type ConfigStore struct {
	path string
	mu   sync.Mutex
}

// NewConfigStore returns a store writing to path
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// Path returns the file the store writes to
func (s *ConfigStore) Path() string {
	return s.path
}

// SavePermanentBans replaces the permanent_bans section of the file. Other
// sections, comments included, are preserved as written.
func (s *ConfigStore) SavePermanentBans(bans map[string]PermanentBan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc yaml.Node
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: config root is not a mapping", ErrPersistence)
	}

	var value yaml.Node
	if err := value.Encode(bans); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "permanent_bans" {
			root.Content[i+1] = &value
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "permanent_bans"},
			&value)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := writeFileAtomic(s.path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file and renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
