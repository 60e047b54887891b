// Package config provides the declarative configuration for the LABYRINTH
// orchestrator and its layer controllers.
//
// Configuration is loaded from labyrinth.yaml with environment variable
// overrides (LABYRINTH_ prefix). Every option has a documented default so a
// missing config file yields a fully working deployment.
package config

import (
	"time"
)

// Config is the top-level configuration for LABYRINTH.
type Config struct {
	// Server configures the private control API listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Layer0 configures the BEDROCK startup validator.
	Layer0 Layer0Config `yaml:"layer0" mapstructure:"layer0"`

	// Layer1 configures THRESHOLD connection admission and session lifetime.
	Layer1 Layer1Config `yaml:"layer1" mapstructure:"layer1"`

	// Layer2 configures MINOTAUR contradiction seeding.
	Layer2 Layer2Config `yaml:"layer2" mapstructure:"layer2"`

	// Layer3 configures BLINDFOLD activation policy.
	Layer3 Layer3Config `yaml:"layer3" mapstructure:"layer3"`

	// Layer4 configures the PUPPETEER interception proxy.
	Layer4 Layer4Config `yaml:"layer4" mapstructure:"layer4"`

	// Retention configures forensic data retention windows.
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`

	// SIEM configures the optional fire-and-forget event push.
	SIEM SiemConfig `yaml:"siem" mapstructure:"siem"`

	// Telemetry configures optional OpenTelemetry tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// NetworkSubnet is the expected subnet of the project network.
	NetworkSubnet string `yaml:"network_subnet" mapstructure:"network_subnet" validate:"required,cidr"`

	// ForensicsDir is the shared volume holding the forensic event streams,
	// routing maps, prompt captures, and intel dossiers.
	ForensicsDir string `yaml:"forensics_dir" mapstructure:"forensics_dir" validate:"required"`

	// SessionTemplateImage is the image every session container is spawned from.
	SessionTemplateImage string `yaml:"session_template_image" mapstructure:"session_template_image" validate:"required"`

	// SessionIDPrefix is the prefix of minted forensic session IDs
	// (PREFIX-YYYY-MMDD-NNN).
	SessionIDPrefix string `yaml:"session_id_prefix" mapstructure:"session_id_prefix"`
}

// ServerConfig configures the control API and logging.
type ServerConfig struct {
	// ControlAddr is the address the control API binds to. Keep this on
	// loopback or the project network; the API is not meant to be public.
	// Default: "127.0.0.1:8888".
	ControlAddr string `yaml:"control_addr" mapstructure:"control_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: "text" or "json".
	// Default: "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// AuthTokenHash is an optional argon2id hash of a bearer token required
	// by mutating control API endpoints. Generate with: labyrinth hash-token.
	// Empty disables token auth (loopback-only deployments).
	AuthTokenHash string `yaml:"auth_token_hash" mapstructure:"auth_token_hash"`
}

// Layer0Config configures the BEDROCK pre-flight validator.
type Layer0Config struct {
	// FailMode controls behavior when validation fails:
	// "open" logs and continues, "closed" refuses to enter the main loop.
	// Default: "open". Test mode (LABYRINTH_MODE=test) forces "open".
	FailMode string `yaml:"fail_mode" mapstructure:"fail_mode" validate:"omitempty,oneof=open closed"`

	// ValidateOnStartup enables the pre-flight checks. Default: true.
	ValidateOnStartup bool `yaml:"validate_on_startup" mapstructure:"validate_on_startup"`

	// ValidateRetries is the number of validation attempts before giving up.
	// Default: 6.
	ValidateRetries int `yaml:"validate_retries" mapstructure:"validate_retries" validate:"omitempty,min=1"`

	// ValidateRetryDelay is the fixed delay between attempts. Default: "5s".
	ValidateRetryDelay string `yaml:"validate_retry_delay" mapstructure:"validate_retry_delay" validate:"omitempty,duration"`
}

// Layer1Config configures THRESHOLD.
type Layer1Config struct {
	// SessionTimeout is how long an idle session lives before the sweep
	// reclaims it (e.g. "1h"). Default: "1h".
	SessionTimeout string `yaml:"session_timeout" mapstructure:"session_timeout" validate:"omitempty,duration"`

	// AdmissionRules are optional CEL expressions over {src_ip, service}.
	// A connection is admitted when every rule evaluates to true. Empty
	// admits all connections.
	AdmissionRules []string `yaml:"admission_rules" mapstructure:"admission_rules"`
}

// Layer2Config configures MINOTAUR.
type Layer2Config struct {
	// Adaptive promotes contradiction density as sessions go deeper.
	// Default: true.
	Adaptive bool `yaml:"adaptive" mapstructure:"adaptive"`

	// ContradictionDensity is the baseline density: low, medium, high.
	// Default: "medium".
	ContradictionDensity string `yaml:"contradiction_density" mapstructure:"contradiction_density" validate:"omitempty,oneof=low medium high"`

	// MaxContainerDepth caps depth escalation; at the cap the next
	// escalation activates L3 instead of spawning deeper. Default: 5.
	MaxContainerDepth int `yaml:"max_container_depth" mapstructure:"max_container_depth" validate:"omitempty,min=1"`
}

// Layer3Config configures BLINDFOLD.
type Layer3Config struct {
	// Activation selects the trigger: on_connect, on_escalation, manual.
	// Default: "on_escalation".
	Activation string `yaml:"activation" mapstructure:"activation" validate:"omitempty,oneof=on_connect on_escalation manual"`
}

// Layer4Config configures PUPPETEER.
type Layer4Config struct {
	// DefaultMode is the interceptor mode used until the mode file says
	// otherwise: passive, neutralize, double_agent, counter_intel.
	// Default: "passive".
	DefaultMode string `yaml:"default_mode" mapstructure:"default_mode" validate:"omitempty,oneof=passive neutralize double_agent counter_intel"`

	// ProxyIP is the address of the interception proxy on the project
	// network; LLM API domains resolve here inside session containers.
	// Default: "172.30.0.50".
	ProxyIP string `yaml:"proxy_ip" mapstructure:"proxy_ip" validate:"omitempty,ip"`

	// ProxyPort is the interception proxy listen port. Default: 8443.
	ProxyPort int `yaml:"proxy_port" mapstructure:"proxy_port" validate:"omitempty,min=1,max=65535"`

	// MetricsAddr is the interception proxy's private metrics listener.
	// Never expose this on the attacker-facing network. Default: "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

// RetentionConfig configures forensic data retention windows in days.
type RetentionConfig struct {
	// CredentialsDays is the retention window for captured prompt files.
	// Default: 7.
	CredentialsDays int `yaml:"credentials_days" mapstructure:"credentials_days" validate:"omitempty,min=1"`

	// FingerprintsDays is the retention window for session JSONL files.
	// Default: 90.
	FingerprintsDays int `yaml:"fingerprints_days" mapstructure:"fingerprints_days" validate:"omitempty,min=1"`
}

// SiemConfig configures the optional SIEM event push.
type SiemConfig struct {
	// Enabled turns the push on. Default: false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Endpoint is the HTTP endpoint events are POSTed to.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`

	// AlertPrefix is stamped on every pushed event. Default: "LABYRINTH".
	AlertPrefix string `yaml:"alert_prefix" mapstructure:"alert_prefix"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// Tracing enables the OpenTelemetry stdout trace exporter. Default: false.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
}

// SessionTimeout returns the parsed Layer1 session timeout.
func (c *Layer1Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.SessionTimeout)
	if err != nil || d < 0 {
		return time.Hour
	}
	return d
}

// RetryDelay returns the parsed Layer0 validation retry delay.
func (c *Layer0Config) RetryDelay() time.Duration {
	d, err := time.ParseDuration(c.ValidateRetryDelay)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// SetDefaults applies documented default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.ControlAddr == "" {
		c.Server.ControlAddr = "127.0.0.1:8888"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}

	if c.Layer0.FailMode == "" {
		c.Layer0.FailMode = "open"
	}
	if !viperIsSet("layer0.validate_on_startup") {
		c.Layer0.ValidateOnStartup = true
	}
	if c.Layer0.ValidateRetries == 0 {
		c.Layer0.ValidateRetries = 6
	}
	if c.Layer0.ValidateRetryDelay == "" {
		c.Layer0.ValidateRetryDelay = "5s"
	}

	if c.Layer1.SessionTimeout == "" {
		c.Layer1.SessionTimeout = "1h"
	}

	if !viperIsSet("layer2.adaptive") {
		c.Layer2.Adaptive = true
	}
	if c.Layer2.ContradictionDensity == "" {
		c.Layer2.ContradictionDensity = "medium"
	}
	if c.Layer2.MaxContainerDepth == 0 {
		c.Layer2.MaxContainerDepth = 5
	}

	if c.Layer3.Activation == "" {
		c.Layer3.Activation = "on_escalation"
	}

	if c.Layer4.DefaultMode == "" {
		c.Layer4.DefaultMode = "passive"
	}
	if c.Layer4.ProxyIP == "" {
		c.Layer4.ProxyIP = "172.30.0.50"
	}
	if c.Layer4.ProxyPort == 0 {
		c.Layer4.ProxyPort = 8443
	}
	if c.Layer4.MetricsAddr == "" {
		c.Layer4.MetricsAddr = "127.0.0.1:9464"
	}

	if c.Retention.CredentialsDays == 0 {
		c.Retention.CredentialsDays = 7
	}
	if c.Retention.FingerprintsDays == 0 {
		c.Retention.FingerprintsDays = 90
	}

	if c.SIEM.AlertPrefix == "" {
		c.SIEM.AlertPrefix = "LABYRINTH"
	}

	if c.NetworkSubnet == "" {
		c.NetworkSubnet = "172.30.0.0/24"
	}
	if c.ForensicsDir == "" {
		c.ForensicsDir = "/var/labyrinth/forensics"
	}
	if c.SessionTemplateImage == "" {
		c.SessionTemplateImage = "labyrinth-session-template"
	}
	if c.SessionIDPrefix == "" {
		c.SessionIDPrefix = "LAB"
	}
}
