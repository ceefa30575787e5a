package camera

// Preset names for common frame budgets
const (
	PresetVGA    = "vga"
	PresetHD720  = "hd720"
	PresetHD1080 = "hd1080"
	PresetLegacy = "legacy"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetVGA:    DefaultConfig(),
		PresetHD720:  HD720Config(),
		PresetHD1080: HD1080Config(),
		PresetLegacy: LegacyConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{PresetVGA, PresetHD720, PresetHD1080, PresetLegacy}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// HD720Config returns 720p. The overlay routine gets noticeably slower here.
func HD720Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1280
	cfg.Height = 720
	return cfg
}

// HD1080Config returns 1080p, mostly useful for remote producers.
func HD1080Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1920
	cfg.Height = 1080
	cfg.Framerate = 15
	return cfg
}

// LegacyConfig forces the single-device backend at 320x240.
func LegacyConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendLegacy
	cfg.Width = 320
	cfg.Height = 240
	return cfg
}
