// Package config loads skein runtime and gateway configuration from YAML or
// JSON files with SKEIN_* environment overrides, and watches the file for
// changes.
package config

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/najoast/skein/cluster"
	"github.com/najoast/skein/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// SlogLevel maps the level onto slog. Trace and fatal sit four steps
// below debug and above error.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelTrace:
		return slog.LevelDebug - 4
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	case LogLevelFatal:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration that reads "250ms" style strings from YAML
// and JSON. Plain integers are taken as nanoseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		return errors.Errorf("invalid duration %q", s)
	}
	*d = Duration(n)
	return nil
}

// Config represents the complete skein configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Actor runtime configuration
	Actor ActorConfig `yaml:"actor" json:"actor"`

	// Default supervision for spawned actors
	Supervision SupervisionConfig `yaml:"supervision" json:"supervision"`

	// Remote gateway configuration
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Custom configurations (for user-defined actors)
	Custom map[string]interface{} `yaml:"custom,omitempty" json:"custom,omitempty"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Environment Environment       `yaml:"environment" json:"environment"`
	Debug       bool              `yaml:"debug" json:"debug"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source file and line
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ActorConfig configures the runtime scheduler and mailbox defaults
type ActorConfig struct {
	// Worker goroutines; 0 means GOMAXPROCS
	Workers int `yaml:"workers" json:"workers"`

	// Envelopes handled per dispatch before yielding the worker
	BatchLimit int `yaml:"batch_limit" json:"batch_limit"`

	// Default mailbox capacity
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size"`

	// Behavior of Send on a full mailbox (fail_fast, block)
	SendMode string `yaml:"send_mode" json:"send_mode"`

	// Upper bound for a blocking send
	SendTimeout Duration `yaml:"send_timeout" json:"send_timeout"`

	// What happens to queued envelopes on stop (discard, drain)
	StopPolicy string `yaml:"stop_policy" json:"stop_policy"`

	// Buffered dead letters before they are counted as dropped
	DeadLetterSize int `yaml:"dead_letter_size" json:"dead_letter_size"`

	// Emit OpenTelemetry spans for lifecycle events
	Tracing bool `yaml:"tracing" json:"tracing"`

	// Time allowed for a graceful runtime shutdown
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// SupervisionConfig is the default restart policy
type SupervisionConfig struct {
	Policy         string   `yaml:"policy" json:"policy"`
	MaxFailures    int      `yaml:"max_failures" json:"max_failures"`
	Window         Duration `yaml:"window" json:"window"`
	BackoffInitial Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max" json:"backoff_max"`
}

// RemoteConfig configures the gateway to peer nodes
type RemoteConfig struct {
	// Start a gateway
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Local node id; generated when empty and the gateway is enabled
	NodeID string `yaml:"node_id" json:"node_id"`

	// Listen address
	BindAddr string `yaml:"bind_addr" json:"bind_addr"`

	// Address announced to peers; defaults to the bound address
	AdvertiseAddr string `yaml:"advertise_addr,omitempty" json:"advertise_addr,omitempty"`

	// Peer node ids to dial addresses
	Peers map[string]string `yaml:"peers,omitempty" json:"peers,omitempty"`

	// Send behavior while a peer is down (buffer, fail_fast)
	OutageMode string `yaml:"outage_mode" json:"outage_mode"`

	// Per-peer outbox bound
	BufferWatermark int `yaml:"buffer_watermark" json:"buffer_watermark"`

	SendTimeout         Duration `yaml:"send_timeout" json:"send_timeout"`
	WriteTimeout        Duration `yaml:"write_timeout" json:"write_timeout"`
	DialTimeout         Duration `yaml:"dial_timeout" json:"dial_timeout"`
	HandshakeTimeout    Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ReconnectAttempts   int      `yaml:"reconnect_attempts" json:"reconnect_attempts"`
	ReconnectBackoff    Duration `yaml:"reconnect_backoff" json:"reconnect_backoff"`
	ReconnectBackoffMax Duration `yaml:"reconnect_backoff_max" json:"reconnect_backoff_max"`

	// Concurrent inbound connections
	MaxInbound int `yaml:"max_inbound" json:"max_inbound"`

	// Idle time before a remote stub and its sequence counters are dropped
	StubIdleTimeout Duration `yaml:"stub_idle_timeout" json:"stub_idle_timeout"`

	// Idle time before the receiver forgets a sender's last sequence
	DedupTTL Duration `yaml:"dedup_ttl" json:"dedup_ttl"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	rt := core.DefaultOptions()
	gw := cluster.DefaultOptions()

	return &Config{
		App: AppConfig{
			Name:        "skein-app",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
			Description: "skein application",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stdout",
		},
		Actor: ActorConfig{
			Workers:         0,
			BatchLimit:      rt.BatchLimit,
			MailboxSize:     rt.MailboxSize,
			SendMode:        rt.SendMode.String(),
			SendTimeout:     Duration(rt.SendTimeout),
			StopPolicy:      rt.StopPolicy.String(),
			DeadLetterSize:  rt.DeadLetterSize,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Supervision: SupervisionConfig{
			Policy:         rt.Supervision.Policy.String(),
			MaxFailures:    rt.Supervision.MaxFailures,
			Window:         Duration(rt.Supervision.Window),
			BackoffInitial: Duration(rt.Supervision.BackoffInitial),
			BackoffMax:     Duration(rt.Supervision.BackoffMax),
		},
		Remote: RemoteConfig{
			Enabled:             false,
			BindAddr:            gw.BindAddr,
			Peers:               make(map[string]string),
			OutageMode:          string(gw.OutageMode),
			BufferWatermark:     gw.BufferWatermark,
			SendTimeout:         Duration(gw.SendTimeout),
			WriteTimeout:        Duration(gw.WriteTimeout),
			DialTimeout:         Duration(gw.DialTimeout),
			HandshakeTimeout:    Duration(gw.HandshakeTimeout),
			ReconnectAttempts:   gw.ReconnectAttempts,
			ReconnectBackoff:    Duration(gw.ReconnectBackoff),
			ReconnectBackoffMax: Duration(gw.ReconnectBackoffMax),
			MaxInbound:          gw.MaxInbound,
			StubIdleTimeout:     Duration(rt.StubIdleTimeout),
			DedupTTL:            Duration(gw.DedupTTL),
		},
		Custom: make(map[string]interface{}),
	}
}

// Clone returns a copy that shares no maps with c.
func (c *Config) Clone() *Config {
	out := *c
	if c.App.Metadata != nil {
		out.App.Metadata = make(map[string]string, len(c.App.Metadata))
		for k, v := range c.App.Metadata {
			out.App.Metadata[k] = v
		}
	}
	if c.Remote.Peers != nil {
		out.Remote.Peers = make(map[string]string, len(c.Remote.Peers))
		for k, v := range c.Remote.Peers {
			out.Remote.Peers[k] = v
		}
	}
	if c.Custom != nil {
		out.Custom = make(map[string]interface{}, len(c.Custom))
		for k, v := range c.Custom {
			out.Custom[k] = v
		}
	}
	return &out
}

// Normalize fills derived values: an enabled gateway without a node id
// gets a random one.
func (c *Config) Normalize() {
	if c.Remote.Enabled && c.Remote.NodeID == "" {
		c.Remote.NodeID = uuid.NewString()
	}
	c.Log.Level = LogLevel(strings.ToLower(string(c.Log.Level)))
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return errors.Wrapf(ErrInvalidEnvironment, "%q", c.App.Environment)
	}

	if !c.Log.Level.IsValid() {
		return errors.Wrapf(ErrInvalidLogLevel, "%q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Wrapf(ErrInvalidLogFormat, "%q", c.Log.Format)
	}

	if c.Actor.Workers < 0 {
		return errors.Wrapf(ErrInvalidWorkers, "%d", c.Actor.Workers)
	}
	if c.Actor.MailboxSize <= 0 {
		return errors.Wrapf(ErrInvalidMailboxSize, "%d", c.Actor.MailboxSize)
	}
	if c.Actor.BatchLimit <= 0 {
		return errors.Wrapf(ErrInvalidBatchLimit, "%d", c.Actor.BatchLimit)
	}
	if _, err := core.ParseSendMode(c.Actor.SendMode); err != nil {
		return errors.Wrap(ErrInvalidActorConfig, err.Error())
	}
	if _, err := core.ParseStopPolicy(c.Actor.StopPolicy); err != nil {
		return errors.Wrap(ErrInvalidActorConfig, err.Error())
	}

	spec, err := c.supervisionSpec()
	if err != nil {
		return errors.Wrap(ErrInvalidSupervision, err.Error())
	}
	if err := spec.Validate(); err != nil {
		return errors.Wrap(ErrInvalidSupervision, err.Error())
	}

	if c.Remote.Enabled {
		gw, err := c.GatewayOptions()
		if err != nil {
			return errors.Wrap(ErrInvalidRemote, err.Error())
		}
		if err := gw.Validate(); err != nil {
			return errors.Wrap(ErrInvalidRemote, err.Error())
		}
	}
	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}

// NodeName is the runtime node name: the remote node id, or "local" when
// no id is configured.
func (c *Config) NodeName() string {
	if c.Remote.NodeID != "" {
		return c.Remote.NodeID
	}
	return core.DefaultOptions().Node
}

func (c *Config) supervisionSpec() (core.SupervisionSpec, error) {
	policy, err := core.ParsePolicy(c.Supervision.Policy)
	if err != nil {
		return core.SupervisionSpec{}, err
	}
	return core.SupervisionSpec{
		Policy:         policy,
		MaxFailures:    c.Supervision.MaxFailures,
		Window:         c.Supervision.Window.D(),
		BackoffInitial: c.Supervision.BackoffInitial.D(),
		BackoffMax:     c.Supervision.BackoffMax.D(),
	}, nil
}

// RuntimeOptions converts the actor and supervision sections. The logger
// is left for the caller.
func (c *Config) RuntimeOptions() (core.Options, error) {
	opts := core.DefaultOptions()
	opts.Node = c.NodeName()
	if c.Actor.Workers > 0 {
		opts.Workers = c.Actor.Workers
	}
	opts.BatchLimit = c.Actor.BatchLimit
	opts.MailboxSize = c.Actor.MailboxSize
	opts.SendTimeout = c.Actor.SendTimeout.D()
	opts.DeadLetterSize = c.Actor.DeadLetterSize
	opts.Tracing = c.Actor.Tracing
	opts.StubIdleTimeout = c.Remote.StubIdleTimeout.D()

	var err error
	if opts.SendMode, err = core.ParseSendMode(c.Actor.SendMode); err != nil {
		return opts, err
	}
	if opts.StopPolicy, err = core.ParseStopPolicy(c.Actor.StopPolicy); err != nil {
		return opts, err
	}
	if opts.Supervision, err = c.supervisionSpec(); err != nil {
		return opts, err
	}
	return opts, nil
}

// GatewayOptions converts the remote section.
func (c *Config) GatewayOptions() (cluster.Options, error) {
	opts := cluster.DefaultOptions()
	opts.NodeID = cluster.NodeID(c.NodeName())
	opts.BindAddr = c.Remote.BindAddr
	opts.AdvertiseAddr = c.Remote.AdvertiseAddr
	opts.BufferWatermark = c.Remote.BufferWatermark
	opts.SendTimeout = c.Remote.SendTimeout.D()
	opts.WriteTimeout = c.Remote.WriteTimeout.D()
	opts.DialTimeout = c.Remote.DialTimeout.D()
	opts.HandshakeTimeout = c.Remote.HandshakeTimeout.D()
	opts.ReconnectAttempts = c.Remote.ReconnectAttempts
	opts.ReconnectBackoff = c.Remote.ReconnectBackoff.D()
	opts.ReconnectBackoffMax = c.Remote.ReconnectBackoffMax.D()
	opts.MaxInbound = c.Remote.MaxInbound
	opts.DedupTTL = c.Remote.DedupTTL.D()

	opts.Peers = make(map[cluster.NodeID]string, len(c.Remote.Peers))
	for id, addr := range c.Remote.Peers {
		opts.Peers[cluster.NodeID(id)] = addr
	}

	mode, err := cluster.ParseOutageMode(c.Remote.OutageMode)
	if err != nil {
		return opts, err
	}
	opts.OutageMode = mode
	return opts, nil
}
