package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete framelabel configuration.
type Config struct {
	API     APIConfig    `yaml:"api"`
	Retry   RetryConfig  `yaml:"retry"`
	Workers int          `yaml:"workers"`
	Detect  DetectConfig `yaml:"detect"`
	Refine  RefineConfig `yaml:"refine"`
	Output  OutputConfig `yaml:"output"`
	Events  EventsConfig `yaml:"events"`
	Log     LogConfig    `yaml:"log"`
}

// APIConfig contains the remote model endpoint settings.
type APIConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Timeout     Duration `yaml:"timeout"`
	Temperature float64  `yaml:"temperature"`
}

// RetryConfig contains the backoff policy and run-wide retry budget.
type RetryConfig struct {
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	MaxAttempts       int      `yaml:"max_attempts"`
	MalformedAttempts int      `yaml:"malformed_attempts"`
	RunBudget         int      `yaml:"run_budget"` // 0 = unlimited
}

// DetectConfig contains detection prompt and parsing settings.
type DetectConfig struct {
	CoordBase     int     `yaml:"coord_base"` // 0 = absolute pixels
	MaxImageBytes int64   `yaml:"max_image_bytes"`
	PromptFile    string  `yaml:"prompt_file"`
	MinBoxArea    float64 `yaml:"min_box_area"`
}

// RefineConfig contains two-stage sign refinement settings.
type RefineConfig struct {
	Enabled     bool     `yaml:"enabled"`
	CatalogFile string   `yaml:"catalog_file"` // empty = embedded catalog
	CropPadding int      `yaml:"crop_padding"`
	MinCropSide int      `yaml:"min_crop_side"`
	ScratchDir  string   `yaml:"scratch_dir"`
	Timeout     Duration `yaml:"timeout"`
	Shuffle     bool     `yaml:"shuffle"`
}

type OutputConfig struct {
	Dir      string `yaml:"dir"`
	StateDir string `yaml:"state_dir"` // default: <dir>/.framelabel
}

type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig enables the broker sink when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Encoding string `yaml:"encoding"` // json, msgpack
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"2s\"", node.Line)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Model:       "glm-4.6v",
			Timeout:     Duration(60 * time.Second),
			Temperature: 0.1,
		},
		Retry: RetryConfig{
			BaseDelay:         Duration(2 * time.Second),
			MaxDelay:          Duration(10 * time.Second),
			MaxAttempts:       3,
			MalformedAttempts: 2,
		},
		Workers: 5,
		Detect: DetectConfig{
			MaxImageBytes: 20 << 20,
			MinBoxArea:    100,
		},
		Refine: RefineConfig{
			CropPadding: 10,
			MinCropSide: 64,
			Timeout:     Duration(45 * time.Second),
		},
		Output: OutputConfig{Dir: "annotations"},
		Events: EventsConfig{MQTT: MQTTConfig{Topic: "framelabel/events", QoS: 1, Encoding: "json"}},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML configuration file over the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply further
// overrides (command-line flags) before calling Validate.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("ZAI_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := getenv("FRAMELABEL_API_BASE"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := getenv("FRAMELABEL_MODEL"); v != "" {
		cfg.API.Model = v
	}
	if v := getenv("FRAMELABEL_WORKERS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FRAMELABEL_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if v := getenv("MQTT_BROKER"); v != "" {
		cfg.Events.MQTT.Broker = v
	}
	return nil
}
