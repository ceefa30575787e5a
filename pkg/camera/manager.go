package camera

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Settings holds the current capture configuration and handles updates
// coming from the dashboard.
type Settings struct {
	config Config
	mu     sync.RWMutex

	// OnConfigChange is called after a validated change (applies the frame budget).
	OnConfigChange func(cfg Config) error
}

// NewSettings creates a settings manager seeded with cfg.
func NewSettings(cfg Config) *Settings {
	return &Settings{config: cfg}
}

// Config returns the current configuration.
func (s *Settings) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig validates and stores cfg, then notifies OnConfigChange.
func (s *Settings) SetConfig(cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("camera: validation failed: %v", errs)
	}

	s.mu.Lock()
	s.config = cfg
	callback := s.OnConfigChange
	s.mu.Unlock()

	if callback != nil {
		if err := callback(cfg); err != nil {
			return fmt.Errorf("camera: apply config: %w", err)
		}
	}
	return nil
}

// UpdateConfig applies a partial update. A "preset" key is applied first,
// remaining keys override it. Backend and device selection are not
// changeable at runtime; switching cameras goes through the coordinator.
func (s *Settings) UpdateConfig(params map[string]any) error {
	cfg := s.Config()

	if name, ok := params["preset"].(string); ok {
		preset := GetPreset(name)
		if preset == nil {
			return fmt.Errorf("camera: unknown preset: %s", name)
		}
		backend, device, url, dir := cfg.Backend, cfg.Device, cfg.SignallingURL, cfg.DeviceDir
		cfg = *preset
		cfg.Backend, cfg.Device, cfg.SignallingURL, cfg.DeviceDir = backend, device, url, dir
	}

	for key, value := range params {
		switch key {
		case "width":
			if v, ok := toInt(value); ok {
				cfg.Width = v
			}
		case "height":
			if v, ok := toInt(value); ok {
				cfg.Height = v
			}
		case "framerate":
			if v, ok := toInt(value); ok {
				cfg.Framerate = v
			}
		case "quality":
			if v, ok := toInt(value); ok {
				cfg.Quality = v
			}
		}
	}

	return s.SetConfig(cfg)
}

// ConfigMap returns the current config as a map for JSON responses.
func (s *Settings) ConfigMap() map[string]any {
	data, _ := json.Marshal(s.Config())
	var result map[string]any
	_ = json.Unmarshal(data, &result)
	return result
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
