package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate checks the configuration and fills derived defaults. All
// problems are reported together.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.API.APIKey) == "" {
		errs = append(errs, errors.New("api.api_key is required (or set ZAI_API_KEY)"))
	}
	if cfg.API.BaseURL != "" {
		if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", cfg.API.BaseURL))
		}
	}
	if strings.TrimSpace(cfg.API.Model) == "" {
		errs = append(errs, errors.New("api.model is required"))
	}
	if cfg.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be > 0"))
	}
	if cfg.API.Temperature < 0 || cfg.API.Temperature > 2 {
		errs = append(errs, fmt.Errorf("api.temperature must be in [0, 2], got %v", cfg.API.Temperature))
	}

	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must be >= 0"))
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must be >= retry.base_delay"))
	}
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if cfg.Retry.MalformedAttempts < 1 {
		errs = append(errs, errors.New("retry.malformed_attempts must be >= 1"))
	}
	if cfg.Retry.RunBudget < 0 {
		errs = append(errs, errors.New("retry.run_budget must be >= 0"))
	}

	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", cfg.Workers))
	}

	if cfg.Detect.CoordBase < 0 {
		errs = append(errs, errors.New("detect.coord_base must be >= 0"))
	}
	if cfg.Detect.MaxImageBytes < 0 {
		errs = append(errs, errors.New("detect.max_image_bytes must be >= 0"))
	}
	if cfg.Detect.MinBoxArea < 0 {
		errs = append(errs, errors.New("detect.min_box_area must be >= 0"))
	}

	if cfg.Refine.CropPadding < 0 || cfg.Refine.MinCropSide < 0 {
		errs = append(errs, errors.New("refine.crop_padding and refine.min_crop_side must be >= 0"))
	}
	if cfg.Refine.Enabled && cfg.Refine.Timeout <= 0 {
		errs = append(errs, errors.New("refine.timeout must be > 0"))
	}

	if strings.TrimSpace(cfg.Output.Dir) == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	if cfg.Output.StateDir == "" && cfg.Output.Dir != "" {
		cfg.Output.StateDir = filepath.Join(cfg.Output.Dir, ".framelabel")
	}

	if err := validateMQTT(&cfg.Events.MQTT); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", cfg.Log.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func validateMQTT(m *MQTTConfig) error {
	if m.Encoding == "" {
		m.Encoding = "json"
	}
	if m.Topic == "" {
		m.Topic = "framelabel/events"
	}
	if m.Broker == "" {
		return nil
	}
	var errs []error
	if m.QoS > 2 {
		errs = append(errs, fmt.Errorf("events.mqtt.qos must be 0, 1 or 2, got %d", m.QoS))
	}
	if m.Encoding != "json" && m.Encoding != "msgpack" {
		errs = append(errs, fmt.Errorf("events.mqtt.encoding %q is not one of json, msgpack", m.Encoding))
	}
	if strings.ContainsAny(m.Topic, "#+") {
		errs = append(errs, fmt.Errorf("events.mqtt.topic %q must not contain wildcards", m.Topic))
	}
	return errors.Join(errs...)
}

// Advise returns settings that are valid but likely wrong for the
// configured model.
func Advise(cfg *Config) []string {
	var notes []string
	if strings.HasPrefix(strings.ToLower(cfg.API.Model), "glm") && cfg.Detect.CoordBase == 0 {
		notes = append(notes, fmt.Sprintf("model %q usually answers on a 0..1000 grid but detect.coord_base is 0 (pixels); set coord_base: 1000", cfg.API.Model))
	}
	return notes
}
