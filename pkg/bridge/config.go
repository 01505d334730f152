// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points the transport at the Matrix homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig holds the appservice registration details.
type AppserviceConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`

	BotUsername    string `yaml:"bot_username"`
	BotDisplayname string `yaml:"bot_displayname"`
}

// ThreadlineConfig configures the remote client layer and the per-account
// rate limit facade.
type ThreadlineConfig struct {
	APIBaseURL string `yaml:"api_base_url"`

	// Shared token bucket per account: sustained requests per second plus
	// burst size. Live events and backfill share the bucket, live wins.
	RatelimitPerSecond float64 `yaml:"ratelimit_per_second"`
	RatelimitBurst     int     `yaml:"ratelimit_burst"`
	// CallTimeoutSeconds bounds each remote call; a call exceeding it is a
	// retryable failure, not a hang.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	// Reconnect backoff bounds for the session supervisor.
	ReconnectMinSeconds int `yaml:"reconnect_min_seconds"`
	ReconnectMaxSeconds int `yaml:"reconnect_max_seconds"`
}

// BackfillConfig configures the history import engine.
type BackfillConfig struct {
	Enabled  bool `yaml:"enabled"`
	PageSize int  `yaml:"page_size"`
	// MaxPages caps how many history pages are imported per portal.
	// 0 means unlimited.
	MaxPages int `yaml:"max_pages"`
}

// BridgeConfig holds engine-level settings.
type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`

	MatrixWorkers   int `yaml:"matrix_workers"`
	PortalQueueSize int `yaml:"portal_queue_size"`

	// RecentSendWindowSeconds is how long an outbound idempotency token is
	// considered authoritative for echo detection after the send started.
	RecentSendWindowSeconds int `yaml:"recent_send_window_seconds"`
	// TransientRetryCeiling is how many times a transient failure is retried
	// before a one-time notice is posted.
	TransientRetryCeiling int `yaml:"transient_retry_ceiling"`

	EncryptionDefault bool   `yaml:"encryption_default"`
	AllowDoublePuppet bool   `yaml:"allow_double_puppet"`
	TypingTimeoutSecs int    `yaml:"typing_timeout_seconds"`
	SyncCreateLimit   int    `yaml:"sync_create_limit"`
	AdminAPIAddr      string `yaml:"admin_api_addr"`

	Backfill BackfillConfig `yaml:"backfill"`

	usernameTemplate    *template.Template `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
	usernamePattern     *regexp.Regexp     `yaml:"-"`
}

// Config is the full bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	Threadline ThreadlineConfig  `yaml:"threadline"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// DisplaynameParams feeds the ghost displayname template.
type DisplaynameParams struct {
	Username string
	FullName string
	PK       int64
}

// LoadConfig reads and post-processes a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and compiles the name templates.
func (cfg *Config) PostProcess() error {
	bc := &cfg.Bridge
	if bc.UsernameTemplate == "" {
		bc.UsernameTemplate = "threadline_{{.}}"
	}
	if bc.DisplaynameTemplate == "" {
		bc.DisplaynameTemplate = "{{or .FullName .Username}} (Threadline)"
	}
	if bc.MatrixWorkers <= 0 {
		bc.MatrixWorkers = 8
	}
	if bc.PortalQueueSize <= 0 {
		bc.PortalQueueSize = 64
	}
	if bc.RecentSendWindowSeconds <= 0 {
		bc.RecentSendWindowSeconds = 300
	}
	if bc.TransientRetryCeiling <= 0 {
		bc.TransientRetryCeiling = 5
	}
	if bc.TypingTimeoutSecs <= 0 {
		bc.TypingTimeoutSecs = 5
	}
	if bc.SyncCreateLimit == 0 {
		bc.SyncCreateLimit = 20
	}
	if bc.Backfill.PageSize <= 0 {
		bc.Backfill.PageSize = 50
	}
	tc := &cfg.Threadline
	if tc.RatelimitPerSecond <= 0 {
		tc.RatelimitPerSecond = 2
	}
	if tc.RatelimitBurst <= 0 {
		tc.RatelimitBurst = 4
	}
	if tc.CallTimeoutSeconds <= 0 {
		tc.CallTimeoutSeconds = 60
	}
	if tc.ReconnectMinSeconds <= 0 {
		tc.ReconnectMinSeconds = 2
	}
	if tc.ReconnectMaxSeconds <= 0 {
		tc.ReconnectMaxSeconds = 300
	}
	var err error
	bc.usernameTemplate, err = template.New("username").Parse(bc.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid username template: %w", err)
	}
	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname template: %w", err)
	}
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(bc.UsernameTemplate), regexp.QuoteMeta("{{.}}"), `(\d+)`) + "$"
	bc.usernamePattern, err = regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid username template: %w", err)
	}
	return nil
}

// FormatUsername renders the ghost localpart for a Threadline user PK.
func (bc *BridgeConfig) FormatUsername(pk int64) string {
	var sb strings.Builder
	if bc.usernameTemplate == nil || bc.usernameTemplate.Execute(&sb, pk) != nil {
		return fmt.Sprintf("threadline_%d", pk)
	}
	return sb.String()
}

// ParseUsername is the inverse of FormatUsername: it extracts the user PK
// from a ghost localpart, reporting ok=false for non-ghost localparts.
func (bc *BridgeConfig) ParseUsername(localpart string) (pk int64, ok bool) {
	if bc.usernamePattern == nil {
		return 0, false
	}
	match := bc.usernamePattern.FindStringSubmatch(localpart)
	if match == nil {
		return 0, false
	}
	pk, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return pk, true
}

// FormatDisplayname renders a ghost displayname.
func (bc *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	var sb strings.Builder
	if bc.displaynameTemplate == nil || bc.displaynameTemplate.Execute(&sb, params) != nil {
		return params.Username
	}
	return sb.String()
}

// CallTimeout returns the remote call timeout as a duration.
func (tc *ThreadlineConfig) CallTimeout() time.Duration {
	return time.Duration(tc.CallTimeoutSeconds) * time.Second
}

// ReconnectBackoffBounds returns the supervisor backoff bounds.
func (tc *ThreadlineConfig) ReconnectBackoffBounds() (min, max time.Duration) {
	return time.Duration(tc.ReconnectMinSeconds) * time.Second,
		time.Duration(tc.ReconnectMaxSeconds) * time.Second
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Str, "appservice", "bot_displayname")
	helper.Copy(up.Str, "threadline", "api_base_url")
	helper.Copy(up.Float, "threadline", "ratelimit_per_second")
	helper.Copy(up.Int, "threadline", "ratelimit_burst")
	helper.Copy(up.Int, "threadline", "call_timeout_seconds")
	helper.Copy(up.Int, "threadline", "reconnect_min_seconds")
	helper.Copy(up.Int, "threadline", "reconnect_max_seconds")
	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Int, "bridge", "matrix_workers")
	helper.Copy(up.Int, "bridge", "portal_queue_size")
	helper.Copy(up.Int, "bridge", "recent_send_window_seconds")
	helper.Copy(up.Int, "bridge", "transient_retry_ceiling")
	helper.Copy(up.Bool, "bridge", "encryption_default")
	helper.Copy(up.Bool, "bridge", "allow_double_puppet")
	helper.Copy(up.Int, "bridge", "typing_timeout_seconds")
	helper.Copy(up.Int, "bridge", "sync_create_limit")
	helper.Copy(up.Str, "bridge", "admin_api_addr")
	helper.Copy(up.Bool, "bridge", "backfill", "enabled")
	helper.Copy(up.Int, "bridge", "backfill", "page_size")
	helper.Copy(up.Int, "bridge", "backfill", "max_pages")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader migrates old config files to the current schema.
var ConfigUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}
