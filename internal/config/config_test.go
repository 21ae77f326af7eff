package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	// Create base (default) config
	base := Default()
	base.Audio.Device = "Built-in Microphone"
	base.Output.Directory = "~/Audio/Default"

	// Create profile config that overrides a few settings only
	profile := &Config{
		Audio: AudioConfig{
			SampleRate: 44100, // Override sample rate
			BufferSize: 4096,
		},
		Recording: RecordingConfig{
			Format: "pcm",
		},
		Output: OutputConfig{
			Directory: "~/Audio/Studio", // Override directory
		},
	}

	result := mergeConfigs(base, profile)

	if result.Audio.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", result.Audio.SampleRate)
	}
	if result.Audio.BufferSize != 4096 {
		t.Errorf("Expected buffer size 4096, got %d", result.Audio.BufferSize)
	}
	if result.Audio.Device != "Built-in Microphone" {
		t.Errorf("Expected inherited device, got %q", result.Audio.Device)
	}
	if result.Audio.Channels != 2 {
		t.Errorf("Expected inherited 2 channels, got %d", result.Audio.Channels)
	}
	if result.Recording.Format != "pcm" || result.Recording.FlushIntervalMS != 1000 {
		t.Errorf("Unexpected recording section: %+v", result.Recording)
	}
	if result.Output.Directory != "~/Audio/Studio" {
		t.Errorf("Expected profile directory, got %s", result.Output.Directory)
	}

	// Inheritance tracking
	if got := result.Inheritance.Source("audio.sample_rate"); got != ProfileSpecific {
		t.Errorf("Expected sample_rate to be profile-specific, got %s", got)
	}
	if got := result.Inheritance.Source("audio.device"); got != Inherited {
		t.Errorf("Expected device to be inherited, got %s", got)
	}

	// Base must be untouched
	if base.Audio.SampleRate != 0 || base.Output.Directory != "~/Audio/Default" {
		t.Errorf("Base config was modified: %+v", base)
	}
}

func TestMergeConfigs_DoesNotShareMetricsPointer(t *testing.T) {
	off := false
	base := Default()
	base.Server.Metrics = &off

	result := mergeConfigs(base, nil)
	*result.Server.Metrics = true

	if *base.Server.Metrics {
		t.Error("Expected merged config to own a copy of server.metrics")
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := Default()
	result := mergeConfigs(base, &Config{})

	if result.Audio != base.Audio || result.Recording != base.Recording {
		t.Errorf("Expected empty profile to inherit everything, got %+v", result)
	}
	if len(result.Inheritance.Names()) != 0 {
		t.Errorf("Expected no profile-specific fields, got %v", result.Inheritance.Names())
	}
}

func TestExpandPath(t *testing.T) {
	// Test tilde expansion
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Audio/stereorec", filepath.Join(homeDir, "Audio", "stereorec")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Should not expand bare tilde
		{"", ""},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	homeDir, _ := os.UserHomeDir()
	if cfg.Output.Directory != filepath.Join(homeDir, "Audio", "stereorec") {
		t.Errorf("Unexpected default directory: %s", cfg.Output.Directory)
	}
	if cfg.Recording.FlushInterval().Milliseconds() != 1000 {
		t.Errorf("Expected 1s flush interval, got %v", cfg.Recording.FlushInterval())
	}
	if !cfg.Server.MetricsEnabled() {
		t.Error("Expected metrics to default to enabled")
	}
}

func TestLoadWithProfile_InheritsDefaultProfile(t *testing.T) {
	configContent := `
active_config: studio
configs:
    default:
        audio:
            backend: pulse
            device: alsa_input.usb
        recording:
            flush_interval_ms: 500
    studio:
        audio:
            channels: 1
        recording:
            format: audio/pcm
        output:
            directory: /srv/takes
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Profile != "studio" {
		t.Errorf("Expected active profile 'studio', got %q", cfg.Profile)
	}
	if cfg.Audio.Backend != "pulse" || cfg.Audio.Device != "alsa_input.usb" {
		t.Errorf("Expected audio inherited from default profile, got %+v", cfg.Audio)
	}
	if cfg.Audio.Channels != 1 {
		t.Errorf("Expected mono from profile, got %d", cfg.Audio.Channels)
	}
	if cfg.Recording.FlushIntervalMS != 500 || cfg.Recording.Format != "audio/pcm" {
		t.Errorf("Unexpected recording section: %+v", cfg.Recording)
	}
	if cfg.Output.Directory != "/srv/takes" {
		t.Errorf("Expected profile directory, got %s", cfg.Output.Directory)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected built-in server port, got %d", cfg.Server.Port)
	}
	if cfg.Inheritance.Source("audio.backend") != Inherited {
		t.Errorf("Expected backend to be inherited")
	}

	// Explicit profile wins over active_config
	cfg, err = LoadWithProfile(configFile, "default")
	if err != nil {
		t.Fatalf("Failed to load default profile: %v", err)
	}
	if cfg.Audio.Channels != 2 || cfg.Profile != "default" {
		t.Errorf("Expected default profile with stereo, got %+v", cfg)
	}
}

func TestLoadWithProfile_EnvOverridesActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
configs:
    default:
        audio:
            backend: tone
    live:
        audio:
            buffer_size: 512
`)
	t.Setenv("STEREOREC_ACTIVE_CONFIG", "live")

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Profile != "live" || cfg.Audio.BufferSize != 512 {
		t.Errorf("Expected env to select 'live', got profile %q buffer %d", cfg.Profile, cfg.Audio.BufferSize)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, "configs:\n    default:\n        audio:\n            backend: tone\n")

	if _, err := LoadWithProfile(configFile, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestLoadWithProfile_MissingFile(t *testing.T) {
	_, err := LoadWithProfile(filepath.Join(t.TempDir(), "nope.yaml"), "")
	if !IsNotExist(err) {
		t.Errorf("Expected not-exist error, got: %v", err)
	}

	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error without a config file")
	}
}

func TestGlobalsRecordingsDirectory(t *testing.T) {
	// Create a temporary config file with globals section
	configContent := `
active_config: test
globals:
    output:
        recordings_directory: /global/recordings
    server:
        port: 9090
        metrics: false
    log:
        file: /var/log/stereorec.log
configs:
    test:
        output:
            directory: /profile/recordings
        recording:
            format: pcm
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	// Verify that global recordings directory overrides profile directory
	expectedDir := "/global/recordings"
	if cfg.Output.Directory != expectedDir {
		t.Errorf("Expected directory '%s' from globals, got '%s'", expectedDir, cfg.Output.Directory)
	}

	// Verify other settings still come from profile
	if cfg.Recording.Format != "pcm" {
		t.Errorf("Expected format 'pcm' from profile, got '%s'", cfg.Recording.Format)
	}
	if cfg.Server.Port != 9090 || cfg.Server.MetricsEnabled() {
		t.Errorf("Expected global server settings, got %+v", cfg.Server)
	}
	if cfg.Log.File != "/var/log/stereorec.log" || cfg.Log.MaxBackups != 3 {
		t.Errorf("Expected global log file with default rotation, got %+v", cfg.Log)
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
configs:
    default:
        audio:
            backend: tone
    live:
        audio:
            channels: 1
`)

	if err := UpdateActiveConfig(configFile, "live"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}
	names, active, err := ProfileNames(configFile)
	if err != nil {
		t.Fatalf("ProfileNames failed: %v", err)
	}
	if active != "live" {
		t.Errorf("Expected active config 'live', got %q", active)
	}
	if len(names) != 2 || names[0] != "default" || names[1] != "live" {
		t.Errorf("Unexpected profile names: %v", names)
	}
}
