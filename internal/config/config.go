package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CALLROOM"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "callroom.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "callroom-auth"
	defaultAuthAudience      = "callroom-api"
	defaultInviteTTL         = 72 * time.Hour
	defaultIdleEviction      = 10 * time.Minute
	defaultSweepSchedule     = "@every 1m"
	defaultMailboxSize       = 256
	defaultSendBuffer        = 64
	defaultWriteTimeout      = 10 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultCRMTimeout        = 5 * time.Second
	defaultICEURL            = "stun:stun.l.google.com:19302"
	defaultJoinLinkBaseURL   = "http://localhost:3000/join"
	defaultNegotiationWindow = 20 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string

	DatabaseDriver string
	DatabaseDSN    string

	SigningSecret string
	AuthIssuer    string
	AuthAudience  string
	HostRoles     []string

	InviteTTL       time.Duration
	InviteSingleUse bool
	RedisAddress    string

	AllowPreCallChat bool
	IdleEviction     time.Duration
	SweepSchedule    string
	MailboxSize      int

	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration

	CRMBaseURL string
	CRMAPIKey  string
	CRMTimeout time.Duration

	ICEURLs            []string
	NegotiationTimeout time.Duration
	JoinLinkBaseURL    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.host_roles", []string{})
	configViper.SetDefault("invite.ttl", defaultInviteTTL)
	configViper.SetDefault("invite.single_use", false)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("session.allow_pre_call_chat", false)
	configViper.SetDefault("session.idle_eviction", defaultIdleEviction)
	configViper.SetDefault("session.sweep_schedule", defaultSweepSchedule)
	configViper.SetDefault("session.mailbox_size", defaultMailboxSize)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("crm.base_url", "")
	configViper.SetDefault("crm.api_key", "")
	configViper.SetDefault("crm.timeout", defaultCRMTimeout)
	configViper.SetDefault("webrtc.ice_urls", []string{defaultICEURL})
	configViper.SetDefault("webrtc.negotiation_timeout", defaultNegotiationWindow)
	configViper.SetDefault("joinlink.base_url", defaultJoinLinkBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthAudience:       configViper.GetString("auth.audience"),
		HostRoles:          splitList(configViper.GetStringSlice("auth.host_roles")),
		InviteTTL:          configViper.GetDuration("invite.ttl"),
		InviteSingleUse:    configViper.GetBool("invite.single_use"),
		RedisAddress:       strings.TrimSpace(configViper.GetString("redis.address")),
		AllowPreCallChat:   configViper.GetBool("session.allow_pre_call_chat"),
		IdleEviction:       configViper.GetDuration("session.idle_eviction"),
		SweepSchedule:      strings.TrimSpace(configViper.GetString("session.sweep_schedule")),
		MailboxSize:        configViper.GetInt("session.mailbox_size"),
		SendBuffer:         configViper.GetInt("realtime.send_buffer"),
		WriteTimeout:       configViper.GetDuration("realtime.write_timeout"),
		PingInterval:       configViper.GetDuration("realtime.ping_interval"),
		CRMBaseURL:         strings.TrimSpace(configViper.GetString("crm.base_url")),
		CRMAPIKey:          configViper.GetString("crm.api_key"),
		CRMTimeout:         configViper.GetDuration("crm.timeout"),
		ICEURLs:            splitList(configViper.GetStringSlice("webrtc.ice_urls")),
		NegotiationTimeout: configViper.GetDuration("webrtc.negotiation_timeout"),
		JoinLinkBaseURL:    strings.TrimSpace(configViper.GetString("joinlink.base_url")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("session.mailbox_size must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.IdleEviction <= 0 {
		return fmt.Errorf("session.idle_eviction must be positive")
	}
	if c.SweepSchedule == "" {
		return fmt.Errorf("session.sweep_schedule is required")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("invite.ttl must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
