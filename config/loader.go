package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// FormatOf derives the format from a file extension.
func FormatOf(filename string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "%q", filepath.Ext(filename))
	}
}

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config

	getenv func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/skein"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".skein"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     "SKEIN",
		defaultConfig: DefaultConfig(),
		getenv:        os.Getenv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration file values are merged onto
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load reads filename if given, applies environment overrides and
// validates the result. An empty filename loads defaults only.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads and validates one configuration file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrConfigFileNotFound, "%s", filename)
		}
		return nil, errors.Wrapf(err, "read config file %s", filename)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", filename)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "read configuration data")
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad loads the first configuration file found on the search paths,
// or defaults when there is none.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if err != nil {
		if errors.Is(err, ErrConfigFileNotFound) {
			return l.finish(l.defaults())
		}
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, err
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"skein.yaml", "skein.yml",
		"config.yaml", "config.yml",
		"skein.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}
	return "", ErrConfigFileNotFound
}

// parseConfig decodes data on top of the defaults, so absent keys keep
// their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && err != io.EOF {
			return nil, errors.Wrapf(ErrConfigParseError, "yaml: %v", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil && err != io.EOF {
			return nil, errors.Wrapf(ErrConfigParseError, "json: %v", err)
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q", format)
	}
	return config, nil
}

type envBinding struct {
	key   string
	apply func(c *Config, val string) error
}

func envString(set func(*Config, string)) func(*Config, string) error {
	return func(c *Config, val string) error {
		set(c, val)
		return nil
	}
}

func envBool(set func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		set(c, b)
		return nil
	}
}

func envInt(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		set(c, n)
		return nil
	}
}

func envDuration(set func(*Config, Duration)) func(*Config, string) error {
	return func(c *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		set(c, Duration(d))
		return nil
	}
}

var envBindings = []envBinding{
	{"APP_NAME", envString(func(c *Config, v string) { c.App.Name = v })},
	{"APP_VERSION", envString(func(c *Config, v string) { c.App.Version = v })},
	{"APP_ENVIRONMENT", envString(func(c *Config, v string) { c.App.Environment = Environment(v) })},
	{"APP_DEBUG", envBool(func(c *Config, v bool) { c.App.Debug = v })},

	{"LOG_LEVEL", envString(func(c *Config, v string) { c.Log.Level = LogLevel(v) })},
	{"LOG_FORMAT", envString(func(c *Config, v string) { c.Log.Format = v })},
	{"LOG_OUTPUT", envString(func(c *Config, v string) { c.Log.Output = v })},

	{"ACTOR_WORKERS", envInt(func(c *Config, v int) { c.Actor.Workers = v })},
	{"ACTOR_BATCH_LIMIT", envInt(func(c *Config, v int) { c.Actor.BatchLimit = v })},
	{"ACTOR_MAILBOX_SIZE", envInt(func(c *Config, v int) { c.Actor.MailboxSize = v })},
	{"ACTOR_SEND_MODE", envString(func(c *Config, v string) { c.Actor.SendMode = v })},
	{"ACTOR_SEND_TIMEOUT", envDuration(func(c *Config, v Duration) { c.Actor.SendTimeout = v })},
	{"ACTOR_STOP_POLICY", envString(func(c *Config, v string) { c.Actor.StopPolicy = v })},
	{"ACTOR_TRACING", envBool(func(c *Config, v bool) { c.Actor.Tracing = v })},

	{"SUPERVISION_POLICY", envString(func(c *Config, v string) { c.Supervision.Policy = v })},
	{"SUPERVISION_MAX_FAILURES", envInt(func(c *Config, v int) { c.Supervision.MaxFailures = v })},
	{"SUPERVISION_WINDOW", envDuration(func(c *Config, v Duration) { c.Supervision.Window = v })},

	{"REMOTE_ENABLED", envBool(func(c *Config, v bool) { c.Remote.Enabled = v })},
	{"REMOTE_NODE_ID", envString(func(c *Config, v string) { c.Remote.NodeID = v })},
	{"REMOTE_BIND_ADDR", envString(func(c *Config, v string) { c.Remote.BindAddr = v })},
	{"REMOTE_ADVERTISE_ADDR", envString(func(c *Config, v string) { c.Remote.AdvertiseAddr = v })},
	{"REMOTE_OUTAGE_MODE", envString(func(c *Config, v string) { c.Remote.OutageMode = v })},
	{"REMOTE_BUFFER_WATERMARK", envInt(func(c *Config, v int) { c.Remote.BufferWatermark = v })},
	{"REMOTE_STUB_IDLE_TIMEOUT", envDuration(func(c *Config, v Duration) { c.Remote.StubIdleTimeout = v })},
	{"REMOTE_DEDUP_TTL", envDuration(func(c *Config, v Duration) { c.Remote.DedupTTL = v })},
	{"REMOTE_PEERS", parsePeers},
}

// parsePeers reads "node=host:port,node2=host:port" and replaces the
// configured peers.
func parsePeers(c *Config, val string) error {
	peers := make(map[string]string)
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, addr, ok := strings.Cut(item, "=")
		if !ok || id == "" || addr == "" {
			return errors.Errorf("peer %q is not node=addr", item)
		}
		peers[strings.TrimSpace(id)] = strings.TrimSpace(addr)
	}
	c.Remote.Peers = peers
	return nil
}

// loadFromEnv applies PREFIX_SECTION_KEY overrides
func (l *Loader) loadFromEnv(config *Config) error {
	for _, b := range envBindings {
		key := l.envPrefix + "_" + b.key
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := b.apply(config, val); err != nil {
			return errors.Wrapf(ErrEnvironmentVarError, "%s=%q: %v", key, val, err)
		}
	}
	return nil
}
