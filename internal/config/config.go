// Package config parses and validates the TOML configuration document: one
// global block plus a repeated sequence of backup set tables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/backutil/backutil/internal/paths"
	"github.com/spf13/viper"
)

// RetentionPolicy is any subset of restic's forget-flags, each a positive
// count of snapshots to keep. A zero value means "not set" for that field.
type RetentionPolicy struct {
	KeepLast    int `mapstructure:"keep_last"`
	KeepDaily   int `mapstructure:"keep_daily"`
	KeepWeekly  int `mapstructure:"keep_weekly"`
	KeepMonthly int `mapstructure:"keep_monthly"`
}

// IsZero reports whether no retention field was set.
func (r RetentionPolicy) IsZero() bool {
	return r.KeepLast == 0 && r.KeepDaily == 0 && r.KeepWeekly == 0 && r.KeepMonthly == 0
}

// WakeConfig wakes a sleeping backup target before a run.
type WakeConfig struct {
	MACAddress    string        `mapstructure:"mac_address"`
	BroadcastIP   string        `mapstructure:"broadcast_ip"`
	PollURL       string        `mapstructure:"poll_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StabilizeWait time.Duration `mapstructure:"stabilize_wait"`
}

// ShutdownConfig powers a remote host down over SSH after a successful run.
type ShutdownConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	KeyPath      string `mapstructure:"key_path"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
	OS           string `mapstructure:"os"`
}

// NotifyConfig mirrors backup lifecycle events to a Telegram chat.
type NotifyConfig struct {
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`
}

// BackupSet is one configured source/target pair plus its overrides.
type BackupSet struct {
	Name            string          `mapstructure:"name"`
	Source          string          `mapstructure:"source"`
	Sources         []string        `mapstructure:"sources"`
	Target          string          `mapstructure:"target"`
	Exclude         []string        `mapstructure:"exclude"`
	DebounceSeconds int             `mapstructure:"debounce_seconds"`
	Retention       RetentionPolicy `mapstructure:"retention"`
	Wake            *WakeConfig     `mapstructure:"wake"`
	ShutdownAfter   *ShutdownConfig `mapstructure:"shutdown_after"`
}

// SourcePaths returns the resolved, tilde-expanded list of source
// directories for this set, regardless of whether it was configured via
// the singular `source` or the plural `sources` field.
func (s BackupSet) SourcePaths() []string {
	var raw []string
	if s.Source != "" {
		raw = []string{s.Source}
	} else {
		raw = s.Sources
	}
	out := make([]string, len(raw))
	for i, p := range raw {
		out[i] = paths.ExpandHome(p)
	}
	return out
}

// GlobalConfig is the [global] table's defaults.
type GlobalConfig struct {
	DebounceSeconds int             `mapstructure:"debounce_seconds"`
	Retention       RetentionPolicy `mapstructure:"retention"`
	Notify          *NotifyConfig   `mapstructure:"notify"`
}

// Config is the fully parsed and validated configuration document.
type Config struct {
	Global     GlobalConfig `mapstructure:"global"`
	BackupSets []BackupSet  `mapstructure:"backup_set"`
}

// EffectiveDebounce returns the set's debounce override, or the global
// default when unset.
func (c Config) EffectiveDebounce(set BackupSet) time.Duration {
	secs := set.DebounceSeconds
	if secs == 0 {
		secs = c.Global.DebounceSeconds
	}
	if secs == 0 {
		secs = defaultDebounceSeconds
	}
	return time.Duration(secs) * time.Second
}

// EffectiveRetention returns the set's retention override, falling back to
// the global policy, or the zero policy if neither is set.
func (c Config) EffectiveRetention(set BackupSet) RetentionPolicy {
	if !set.Retention.IsZero() {
		return set.Retention
	}
	return c.Global.Retention
}

const defaultDebounceSeconds = 60

// Parser loads and validates TOML configuration documents.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a configuration parser bound to the TOML format.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("toml")
	return &Parser{v: v}
}

// LoadFile loads and validates configuration from a file path.
func (p *Parser) LoadFile(path string) (*Config, error) {
	p.v.SetConfigFile(path)
	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return p.parse()
}

// LoadReader loads and validates configuration from raw TOML text.
func (p *Parser) LoadReader(content string) (*Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return p.parse()
}

func (p *Parser) parse() (*Config, error) {
	cfg := &Config{}
	if err := p.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Global.DebounceSeconds == 0 {
		cfg.Global.DebounceSeconds = defaultDebounceSeconds
	}

	if err := applyWakeDefaults(cfg.BackupSets); err != nil {
		return nil, err
	}
	if err := applyShutdownDefaults(cfg.BackupSets); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyWakeDefaults(sets []BackupSet) error {
	for i := range sets {
		w := sets[i].Wake
		if w == nil {
			continue
		}
		if w.MACAddress == "" {
			return fmt.Errorf("backup_set %q: wake.mac_address is required when wake is configured", sets[i].Name)
		}
		if w.BroadcastIP == "" {
			w.BroadcastIP = "255.255.255.255"
		}
		if w.Timeout == 0 {
			w.Timeout = 5 * time.Minute
		}
		if w.PollInterval == 0 {
			w.PollInterval = 10 * time.Second
		}
		if w.StabilizeWait == 0 {
			w.StabilizeWait = 10 * time.Second
		}
	}
	return nil
}

func applyShutdownDefaults(sets []BackupSet) error {
	for i := range sets {
		s := sets[i].ShutdownAfter
		if s == nil {
			continue
		}
		if s.Host == "" {
			return fmt.Errorf("backup_set %q: shutdown_after.host is required when shutdown_after is configured", sets[i].Name)
		}
		if s.KeyPath == "" {
			return fmt.Errorf("backup_set %q: shutdown_after.key_path is required when shutdown_after is configured", sets[i].Name)
		}
		s.KeyPath = paths.ExpandHome(s.KeyPath)
		if s.Port == 0 {
			s.Port = 22
		}
		if s.Username == "" {
			s.Username = "root"
		}
		if s.DelaySeconds == 0 {
			s.DelaySeconds = 1
		}
		if s.OS == "" {
			s.OS = "linux"
		}
		if s.OS != "linux" && s.OS != "windows" {
			return fmt.Errorf("backup_set %q: shutdown_after.os must be one of: linux, windows", sets[i].Name)
		}
	}
	return nil
}

// Validate enforces the configuration's invariants: unique set names,
// mutually-exclusive source/sources, and a required target per set.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	seen := make(map[string]bool, len(cfg.BackupSets))
	for _, set := range cfg.BackupSets {
		if set.Name == "" {
			return fmt.Errorf("backup_set entry is missing a name")
		}
		if seen[set.Name] {
			return fmt.Errorf("duplicate backup_set name %q", set.Name)
		}
		seen[set.Name] = true

		hasSource := set.Source != ""
		hasSources := len(set.Sources) > 0
		if hasSource == hasSources {
			return fmt.Errorf("backup_set %q: exactly one of source or sources is required", set.Name)
		}
		if set.Target == "" {
			return fmt.Errorf("backup_set %q: target is required", set.Name)
		}
	}
	return nil
}
