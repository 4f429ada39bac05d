package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `# securewatch test configuration
general:
  poll_interval: 5s
  bootstrap_lines: 3
  firewall_drop: true

local:
  ssh_log: /var/log/auth.log
  fail2ban_log: /var/log/fail2ban.log

servers:
  web1:
    hostname: 192.0.2.10
    user: monitor
    key_path: /etc/securewatch/id_ed25519
    host_key_fingerprint: SHA256:abc
    logs:
      ssh_log: /var/log/auth.log
  db1:
    hostname: db1.example.com
    port: 2222
    user: monitor
    password: secret
    strict_host_key_checking: false
    connect_timeout: 3s

notifications:
  fail2ban_block: false

# bans survive restarts
permanent_bans:
  203.0.113.9:
    timestamp: 2024-05-01T10:00:00Z
    reason: scanner
    author: alice
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func clearConfigEnv(t *testing.T) {
	for _, key := range []string{"SECUREWATCH_LOG_LEVEL", "DEBUG", "SECUREWATCH_REDIS", "SECUREWATCH_NATS_URL", "SECUREWATCH_API_LISTEN", "SECUREWATCH_JWT_SECRET"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.General.PollInterval)
	assert.Equal(t, 3, cfg.General.BootstrapLines)
	assert.True(t, cfg.General.FirewallDrop)
	assert.Equal(t, "/var/log/auth.log", cfg.Local.SSH)
	assert.Equal(t, []string{"db1", "web1"}, cfg.serverNames())

	web1 := cfg.Servers["web1"]
	assert.Equal(t, 22, web1.Port)
	assert.Equal(t, 10*time.Second, web1.ConnectTimeout)
	assert.Equal(t, 30*time.Second, web1.KeepAlive)
	assert.True(t, *web1.StrictHostKeyChecking)

	db1 := cfg.Servers["db1"]
	assert.Equal(t, 2222, db1.Port)
	assert.Equal(t, 3*time.Second, db1.ConnectTimeout)
	assert.False(t, *db1.StrictHostKeyChecking)

	assert.True(t, *cfg.Notifications.SSHLogin)
	assert.False(t, *cfg.Notifications.Fail2BanBlock)
	assert.True(t, *cfg.Notifications.ServerUnreachable)

	require.Contains(t, cfg.PermanentBans, "203.0.113.9")
	ban := cfg.PermanentBans["203.0.113.9"]
	assert.Equal(t, "203.0.113.9", ban.IP)
	assert.Equal(t, "scanner", ban.Reason)
	assert.Equal(t, "alice", ban.Author)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ban.Timestamp)

	paths, ok := cfg.logPaths("web1")
	require.True(t, ok)
	assert.Equal(t, "/var/log/auth.log", paths.SSH)
	assert.Empty(t, paths.Fail2Ban)
	_, ok = cfg.logPaths("nope")
	assert.False(t, ok)
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := loadConfig(writeConfig(t, "local:\n  ssh_log: /var/log/auth.log\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.General.PollInterval)
	assert.Equal(t, 5, cfg.General.BootstrapLines)
	assert.Equal(t, 8192, cfg.General.MaxLineLength)
	assert.Equal(t, time.Hour, cfg.General.SelfCheckInterval)
	assert.True(t, boolValue(cfg.General.UseSudo, false))
	assert.Equal(t, "memory", cfg.Dedup.Backend)
	assert.Equal(t, "securewatch:seen", cfg.Dedup.Key)
	assert.Equal(t, "securewatch.events", cfg.NATS.Subject)
	assert.Equal(t, 12*time.Hour, cfg.API.TokenExpiry)
	assert.Equal(t, 389, cfg.API.LDAP.Port)
	assert.Equal(t, "uid", cfg.API.LDAP.UserAttr)
	assert.NotNil(t, cfg.PermanentBans)
	assert.Empty(t, cfg.Servers)
}

func TestLoadConfigLocalOnly(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := loadConfig(writeConfig(t, strings.Replace(sampleConfig, "general:\n", "general:\n  local_only: true\n", 1)))
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DEBUG", "1")
	t.Setenv("SECUREWATCH_REDIS", "redis://localhost:6379/2")
	t.Setenv("SECUREWATCH_NATS_URL", "nats://localhost:4222")
	t.Setenv("SECUREWATCH_API_LISTEN", "127.0.0.1:9000")
	t.Setenv("SECUREWATCH_JWT_SECRET", "s3cret")

	cfg, err := loadConfig(writeConfig(t, "general:\n  log_level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, "redis", cfg.Dedup.Backend)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Dedup.RedisURL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	assert.Equal(t, "s3cret", cfg.API.JWTSecret)
}

func TestLoadConfigValidation(t *testing.T) {
	clearConfigEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"bad yaml", "general: [", "failed to parse YAML"},
		{"bad log level", "general:\n  log_level: loud\n", "invalid log level"},
		{"short poll interval", "general:\n  poll_interval: 100ms\n", "poll_interval"},
		{"negative bootstrap", "general:\n  bootstrap_lines: -1\n", "bootstrap_lines"},
		{"relative local path", "local:\n  ssh_log: auth.log\n", "absolute"},
		{"reserved server name", "servers:\n  local:\n    hostname: h\n    user: u\n    password: p\n    strict_host_key_checking: false\n", "invalid server name"},
		{"all server name", "servers:\n  all:\n    hostname: h\n    user: u\n    password: p\n    strict_host_key_checking: false\n", "invalid server name"},
		{"missing hostname", "servers:\n  web1:\n    user: u\n    password: p\n", "hostname is required"},
		{"missing credentials", "servers:\n  web1:\n    hostname: h\n    user: u\n    strict_host_key_checking: false\n", "key_path, key_data or password"},
		{"strict without host keys", "servers:\n  web1:\n    hostname: h\n    user: u\n    password: p\n", "strict host key checking"},
		{"bad port", "servers:\n  web1:\n    hostname: h\n    port: 70000\n    user: u\n    password: p\n    strict_host_key_checking: false\n", "invalid port"},
		{"redis without url", "dedup:\n  backend: redis\n", "requires redis_url"},
		{"unknown backend", "dedup:\n  backend: etcd\n", "invalid dedup backend"},
		{"plain password", "api:\n  users:\n    - username: bob\n      password_hash: hunter2\n      role: admin\n", "bcrypt"},
		{"bad role", "api:\n  users:\n    - username: bob\n      password_hash: '" + string(hash) + "'\n      role: root\n", "invalid role"},
		{"ldap without server", "api:\n  ldap:\n    enabled: true\n", "ldap requires"},
		{"bad permanent ban", "permanent_bans:\n  not-an-ip:\n    reason: x\n", "permanent_bans"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSavePermanentBansPreservesFile(t *testing.T) {
	clearConfigEnv(t)
	path := writeConfig(t, sampleConfig)
	store := NewConfigStore(path)
	assert.Equal(t, path, store.Path())

	bans := map[string]PermanentBan{
		"203.0.113.9":  {IP: "203.0.113.9", Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), Reason: "scanner", Author: "alice"},
		"198.51.100.4": {IP: "198.51.100.4", Timestamp: time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC), Reason: "brute force", Author: "bob"},
	}
	require.NoError(t, store.SavePermanentBans(bans))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# securewatch test configuration")
	assert.Contains(t, string(data), "host_key_fingerprint: SHA256:abc")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Servers, 2)
	assert.False(t, *cfg.Notifications.Fail2BanBlock)
	require.Len(t, cfg.PermanentBans, 2)
	assert.Equal(t, "bob", cfg.PermanentBans["198.51.100.4"].Author)
	assert.Equal(t, "198.51.100.4", cfg.PermanentBans["198.51.100.4"].IP)

	// No temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSavePermanentBansAppendsSection(t *testing.T) {
	clearConfigEnv(t)
	path := writeConfig(t, "local:\n  ssh_log: /var/log/auth.log\n")
	store := NewConfigStore(path)

	require.NoError(t, store.SavePermanentBans(map[string]PermanentBan{
		"192.0.2.1": {Reason: "test", Author: "carol"},
	}))

	var raw map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "local")
	assert.Contains(t, raw, "permanent_bans")

	// An empty ledger still writes the section
	require.NoError(t, store.SavePermanentBans(map[string]PermanentBan{}))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.PermanentBans)
}

func TestSavePermanentBansNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	store := NewConfigStore(path)
	require.NoError(t, store.SavePermanentBans(map[string]PermanentBan{"192.0.2.2": {Reason: "x"}}))

	cfg, err := parseConfig(mustRead(t, path))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.2", cfg.PermanentBans["192.0.2.2"].IP)
}

func TestSavePermanentBansFailure(t *testing.T) {
	path := writeConfig(t, "- just\n- a list\n")
	err := NewConfigStore(path).SavePermanentBans(map[string]PermanentBan{})
	assert.ErrorIs(t, err, ErrPersistence)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
