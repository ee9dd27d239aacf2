// Package config loads the renews TOML configuration and publishes
// immutable snapshots of it to the rest of the daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/forever-august/renews/lib/wildmat"
)

// settings that apply to one group or a wildmat of groups
type GroupRule struct {
	Group            string   `toml:"group"`
	Pattern          string   `toml:"pattern"`
	RetentionDays    int64    `toml:"retention_days"`
	MaxArticleBytes  ByteSize `toml:"max_article_bytes"`
	ExpiresOverrides bool     `toml:"expires_overrides"`
}

// a peer we push articles to
type PeerRule struct {
	// host:port, optionally user:pass@host:port or tls://host:port
	Sitename string `toml:"sitename"`
	// wildmat list selecting the groups we offer this peer
	Patterns []string `toml:"patterns"`
	// 6-field cron expression, falls back to the global schedule
	SyncSchedule string `toml:"sync_schedule"`
}

// one entry of the article filter pipeline
type FilterConfig struct {
	Name string `toml:"name"`
	// milter
	Address            string `toml:"address"`
	TimeoutSecs        int64  `toml:"timeout_secs"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// default per-user limits, used when a user has none of their own
type UserLimits struct {
	MaxConnections int      `toml:"max_connections"`
	UploadBytes    ByteSize `toml:"upload_bytes"`
	DownloadBytes  ByteSize `toml:"download_bytes"`
	WindowSecs     int64    `toml:"window_secs"`
}

type Config struct {
	Addr    string `toml:"addr"`
	TLSAddr string `toml:"tls_addr"`
	WSAddr  string `toml:"ws_addr"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	SiteName string `toml:"site_name"`

	DBPath     string `toml:"db_path"`
	AuthDBPath string `toml:"auth_db_path"`
	PeerDBPath string `toml:"peer_db_path"`

	IdleTimeoutSecs         int64    `toml:"idle_timeout_secs"`
	DefaultRetentionDays    int64    `toml:"default_retention_days"`
	DefaultMaxArticleBytes  ByteSize `toml:"default_max_article_bytes"`
	ArticleQueueCapacity    int      `toml:"article_queue_capacity"`
	ArticleWorkerCount      int      `toml:"article_worker_count"`
	RuntimeThreads          int      `toml:"runtime_threads"`
	PeerSyncSchedule        string   `toml:"peer_sync_schedule"`
	RetentionSweepSchedule  string   `toml:"retention_sweep_schedule"`
	PGPKeyServers           []string `toml:"pgp_key_servers"`
	AllowPostingInsecure    bool     `toml:"allow_posting_insecure_connections"`
	AllowAuthInsecure       bool     `toml:"allow_auth_insecure_connections"`
	LogLevel                string   `toml:"log_level"`

	Groups  []GroupRule    `toml:"group"`
	Peers   []PeerRule     `toml:"peer"`
	Filters []FilterConfig `toml:"filters"`
	Limits  UserLimits     `toml:"user_limits"`
}

var expSubst = regexp.MustCompile(`\$(ENV|FILE)\{([^}]*)\}`)

// substitute $ENV{VAR} and $FILE{path} tokens in the raw config text
func substitute(raw string) (string, error) {
	var substErr error
	out := expSubst.ReplaceAllStringFunc(raw, func(tok string) string {
		m := expSubst.FindStringSubmatch(tok)
		switch m[1] {
		case "ENV":
			return os.Getenv(m[2])
		case "FILE":
			data, err := os.ReadFile(m[2])
			if err != nil {
				substErr = fmt.Errorf("config: $FILE{%s}: %w", m[2], err)
				return ""
			}
			return strings.TrimRight(string(data), "\r\n")
		}
		return tok
	})
	return out, substErr
}

// Load reads, substitutes, parses and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(raw))
}

// Parse parses and validates a raw config document.
func Parse(raw string) (*Config, error) {
	text, err := substitute(raw)
	if err != nil {
		return nil, err
	}
	conf := defaultConfig()
	if err := toml.Unmarshal([]byte(text), conf); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func defaultConfig() *Config {
	site := os.Getenv("HOSTNAME")
	if site == "" {
		site = "localhost"
	}
	return &Config{
		Addr:                   ":119",
		SiteName:               site,
		DBPath:                 "sqlite://renews.db",
		AuthDBPath:             "sqlite://auth.db",
		PeerDBPath:             "sqlite://peers.db",
		IdleTimeoutSecs:        600,
		DefaultRetentionDays:   0,
		ArticleQueueCapacity:   1024,
		ArticleWorkerCount:     4,
		PeerSyncSchedule:       "0 0 * * * *",
		RetentionSweepSchedule: "0 0 3 * * *",
		PGPKeyServers: []string{
			"https://keys.openpgp.org/pks/lookup?op=get&search=<email>",
			"https://keyserver.ubuntu.com/pks/lookup?op=get&search=<email>",
		},
		Limits: UserLimits{WindowSecs: 3600},
	}
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (c *Config) validate() error {
	if c.SiteName == "" {
		return fmt.Errorf("config: site_name must not be empty")
	}
	for _, g := range c.Groups {
		if g.Group == "" && g.Pattern == "" {
			return fmt.Errorf("config: [[group]] needs a group or pattern selector")
		}
		if g.Group != "" && g.Pattern != "" {
			return fmt.Errorf("config: [[group]] %q has both group and pattern", g.Group)
		}
	}
	for _, p := range c.Peers {
		if p.Sitename == "" {
			return fmt.Errorf("config: [[peer]] needs a sitename")
		}
		if p.SyncSchedule != "" {
			if _, err := cronParser.Parse(p.SyncSchedule); err != nil {
				return fmt.Errorf("config: peer %s sync_schedule: %w", p.Sitename, err)
			}
		}
	}
	if _, err := cronParser.Parse(c.PeerSyncSchedule); err != nil {
		return fmt.Errorf("config: peer_sync_schedule: %w", err)
	}
	if _, err := cronParser.Parse(c.RetentionSweepSchedule); err != nil {
		return fmt.Errorf("config: retention_sweep_schedule: %w", err)
	}
	if (c.TLSAddr != "") != (c.TLSCert != "" && c.TLSKey != "") {
		return fmt.Errorf("config: tls_addr requires tls_cert and tls_key")
	}
	return nil
}

// RetentionDays resolves the effective retention for a group. An exact
// group entry wins; otherwise the first matching pattern in declaration
// order; otherwise the global default. Zero means keep forever.
func (c *Config) RetentionDays(group string) int64 {
	if rule := c.groupRule(group, func(r *GroupRule) bool { return r.RetentionDays != 0 }); rule != nil {
		return rule.RetentionDays
	}
	return c.DefaultRetentionDays
}

// MaxArticleBytes resolves the effective article size cap for a group.
// Zero means unlimited.
func (c *Config) MaxArticleBytes(group string) int64 {
	if rule := c.groupRule(group, func(r *GroupRule) bool { return r.MaxArticleBytes != 0 }); rule != nil {
		return int64(rule.MaxArticleBytes)
	}
	return int64(c.DefaultMaxArticleBytes)
}

// ExpiresMayExtend reports whether an Expires header may keep articles
// in this group beyond the configured retention.
func (c *Config) ExpiresMayExtend(group string) bool {
	if rule := c.groupRule(group, func(r *GroupRule) bool { return true }); rule != nil {
		return rule.ExpiresOverrides
	}
	return false
}

func (c *Config) groupRule(group string, has func(*GroupRule) bool) *GroupRule {
	for i := range c.Groups {
		r := &c.Groups[i]
		if r.Group != "" && strings.EqualFold(r.Group, group) && has(r) {
			return r
		}
	}
	for i := range c.Groups {
		r := &c.Groups[i]
		if r.Pattern != "" && wildmat.Match(r.Pattern, group) && has(r) {
			return r
		}
	}
	return nil
}

// Restartable lists the settings of next that differ from c but cannot
// be applied without a restart. The caller reports them and keeps the
// old values.
func (c *Config) Restartable(next *Config) (frozen []string) {
	if c.Addr != next.Addr {
		frozen = append(frozen, "addr")
	}
	if c.TLSAddr != next.TLSAddr {
		frozen = append(frozen, "tls_addr")
	}
	if c.WSAddr != next.WSAddr {
		frozen = append(frozen, "ws_addr")
	}
	if c.DBPath != next.DBPath {
		frozen = append(frozen, "db_path")
	}
	if c.AuthDBPath != next.AuthDBPath {
		frozen = append(frozen, "auth_db_path")
	}
	if c.PeerDBPath != next.PeerDBPath {
		frozen = append(frozen, "peer_db_path")
	}
	if c.RuntimeThreads != next.RuntimeThreads {
		frozen = append(frozen, "runtime_threads")
	}
	return
}
