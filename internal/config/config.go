package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

type DefinitionsConfig struct {
	Taps []TapDefinition `mapstructure:"taps" yaml:"taps"`
}

// TapDefinition describes one way of tapping the system output
type TapDefinition struct {
	ID           string `mapstructure:"id" yaml:"id"`
	Name         string `mapstructure:"name" yaml:"name"`
	AggregateUID string `mapstructure:"aggregate_uid" yaml:"aggregate_uid,omitempty"`
	Mute         string `mapstructure:"mute" yaml:"mute,omitempty"`
	Private      bool   `mapstructure:"private" yaml:"private"`
}

type TapReference struct {
	Ref     string `mapstructure:"ref" yaml:"ref"`
	Mute    string `mapstructure:"mute,omitempty" yaml:"mute,omitempty"`
	Private *bool  `mapstructure:"private,omitempty" yaml:"private,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Capture      *CaptureConfig            `mapstructure:"capture,omitempty" yaml:"capture,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Tap       TapSettings     `mapstructure:"tap" yaml:"tap"`
	Simulated SimulatedConfig `mapstructure:"simulated" yaml:"simulated"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Tap       *TapReference   `mapstructure:"tap,omitempty" yaml:"tap,omitempty"`
	Simulated SimulatedConfig `mapstructure:"simulated" yaml:"simulated"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

type InheritanceInfo struct {
	Capture struct {
		Backend     string // "inherited" or "profile-specific"
		Driver      string
		MaxDuration string
	}
	Tap       string
	Simulated string
	Output    struct {
		Directory string
		BitDepth  string
	}
	Server struct {
		Port string
	}
}

type CaptureConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`         // "auto", "miniaudio", "pipewire", "simulated"
	Driver      string `mapstructure:"driver" yaml:"driver,omitempty"` // miniaudio backend name, empty picks per OS
	MaxDuration int    `mapstructure:"max_duration" yaml:"max_duration"`
	Trace       bool   `mapstructure:"trace" yaml:"trace,omitempty"`

	// Requested stream of the pipewire backend; the others use the device format
	Target     string `mapstructure:"target" yaml:"target,omitempty"` // output node, empty follows the default
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
	Channels   int    `mapstructure:"channels" yaml:"channels,omitempty"`
}

// TapSettings is the resolved tap a profile records from
type TapSettings struct {
	Name         string `mapstructure:"name" yaml:"name"`
	AggregateUID string `mapstructure:"aggregate_uid" yaml:"aggregate_uid"`
	Mute         string `mapstructure:"mute" yaml:"mute"`
	Private      bool   `mapstructure:"private" yaml:"private"`
}

type SimulatedConfig struct {
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels     int    `mapstructure:"channels" yaml:"channels"`
	PeriodFrames int    `mapstructure:"period_frames" yaml:"period_frames"`
	Signal       string `mapstructure:"signal" yaml:"signal"` // "silence", "sine"
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	BitDepth  int    `mapstructure:"bit_depth" yaml:"bit_depth"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

var defaultConfig = Config{
	Capture: CaptureConfig{
		Backend:     "auto",
		MaxDuration: 600,
	},
	Tap: TapSettings{
		Name:         audio.DefaultTapName,
		AggregateUID: audio.DefaultAggregateUID,
		Mute:         string(audio.MuteUnmuted),
	},
	Simulated: SimulatedConfig{
		SampleRate:   48000,
		Channels:     2,
		PeriodFrames: 480,
		Signal:       "silence",
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "TapCapture"),
		BitDepth:  24,
	},
	Server: ServerConfig{
		Port: 8080,
	},
}

// Default returns the built-in configuration used when a profile leaves a value unset.
func Default() *Config {
	c := defaultConfig
	c.Inheritance = &InheritanceInfo{}
	return &c
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}
	if selectedProfile == nil {
		selectedProfile = &ConfigProfile{}
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default profile if it exists and we're not already using default
	base := &Config{}
	if configName != "default" {
		if defaultProfile := rootConfig.Configs["default"]; defaultProfile != nil {
			base, err = convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
		}
	}

	// Global capture settings sit below every profile
	if rootConfig.Capture != nil {
		applyCaptureFallback(&base.Capture, *rootConfig.Capture)
	}

	selectedConfig = mergeConfigs(base, selectedConfig)
	applyDefaults(selectedConfig)

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
		selectedConfig.Inheritance.Output.Directory = "global"
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)

	if err := validateResolved(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// MaxDuration returns the capture limit of a single recording.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.Capture.MaxDuration) * time.Second
}

// TapConfig converts the resolved tap settings for the tap manager.
func (c *Config) TapConfig() audio.TapConfig {
	return audio.TapConfig{
		AggregateUID: c.Tap.AggregateUID,
		TapName:      c.Tap.Name,
		Mute:         audio.MuteBehavior(c.Tap.Mute),
		Private:      c.Tap.Private,
	}
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// WriteExample writes a starter configuration with a default and a test profile.
// An existing file is left untouched.
func WriteExample(configFile string) error {
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file %s already exists", configFile)
	}

	private := true
	root := RootConfig{
		ActiveConfig: "default",
		Capture: &CaptureConfig{
			Backend:     defaultConfig.Capture.Backend,
			MaxDuration: defaultConfig.Capture.MaxDuration,
		},
		Definitions: &DefinitionsConfig{
			Taps: []TapDefinition{
				{ID: "system", Name: audio.DefaultTapName, Mute: string(audio.MuteUnmuted)},
				{ID: "silent", Name: audio.DefaultTapName + "-silent", Mute: string(audio.MuteMutedWhenTapped), Private: true},
			},
		},
		Configs: map[string]*ConfigProfile{
			"default": {
				Tap:    &TapReference{Ref: "system"},
				Output: OutputConfig{Directory: "~/Audio/TapCapture", BitDepth: defaultConfig.Output.BitDepth},
			},
			"test": {
				Capture:   CaptureConfig{Backend: "simulated", MaxDuration: 30},
				Tap:       &TapReference{Ref: "system", Private: &private},
				Simulated: SimulatedConfig{Signal: "sine"},
				Output:    OutputConfig{BitDepth: 16},
			},
		},
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(configFile, out, 0644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving the tap reference
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Capture:   profile.Capture,
		Simulated: profile.Simulated,
		Output:    profile.Output,
		Server:    profile.Server,
	}

	if profile.Tap == nil {
		return config, nil
	}

	ref := profile.Tap
	if ref.Ref == "" {
		return nil, fmt.Errorf("tap: 'ref' is required")
	}
	definition := findTap(definitions, ref.Ref)
	if definition == nil {
		return nil, fmt.Errorf("tap: reference '%s' not found in definitions", ref.Ref)
	}

	config.Tap = TapSettings{
		Name:         definition.Name,
		AggregateUID: definition.AggregateUID,
		Mute:         definition.Mute,
		Private:      definition.Private,
	}

	// Apply overrides
	if ref.Mute != "" {
		config.Tap.Mute = ref.Mute
	}
	if ref.Private != nil {
		config.Tap.Private = *ref.Private
	}

	return config, nil
}

func findTap(definitions *DefinitionsConfig, id string) *TapDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Taps {
		if definitions.Taps[i].ID == id {
			return &definitions.Taps[i]
		}
	}
	return nil
}

func applyCaptureFallback(dst *CaptureConfig, src CaptureConfig) {
	if dst.Backend == "" {
		dst.Backend = src.Backend
	}
	if dst.Driver == "" {
		dst.Driver = src.Driver
	}
	if dst.MaxDuration == 0 {
		dst.MaxDuration = src.MaxDuration
	}
	if dst.Target == "" {
		dst.Target = src.Target
	}
	if dst.SampleRate == 0 {
		dst.SampleRate = src.SampleRate
	}
	if dst.Channels == 0 {
		dst.Channels = src.Channels
	}
	dst.Trace = dst.Trace || src.Trace
}

// mergeConfigs layers profile over base and records where every value came from.
// The tap and simulated sections are taken as a whole.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}
	info := result.Inheritance

	if base != nil {
		result.Capture = base.Capture
		result.Tap = base.Tap
		result.Simulated = base.Simulated
		result.Output = base.Output
		result.Server = base.Server
	}

	pick := func(profileSet, baseSet bool) string {
		switch {
		case profileSet:
			return "profile-specific"
		case baseSet:
			return "inherited"
		default:
			return "default"
		}
	}

	if profile == nil {
		profile = &Config{}
	}

	info.Capture.Backend = pick(profile.Capture.Backend != "", result.Capture.Backend != "")
	if profile.Capture.Backend != "" {
		result.Capture.Backend = profile.Capture.Backend
	}
	info.Capture.Driver = pick(profile.Capture.Driver != "", result.Capture.Driver != "")
	if profile.Capture.Driver != "" {
		result.Capture.Driver = profile.Capture.Driver
	}
	info.Capture.MaxDuration = pick(profile.Capture.MaxDuration != 0, result.Capture.MaxDuration != 0)
	if profile.Capture.MaxDuration != 0 {
		result.Capture.MaxDuration = profile.Capture.MaxDuration
	}
	result.Capture.Trace = result.Capture.Trace || profile.Capture.Trace
	if profile.Capture.Target != "" {
		result.Capture.Target = profile.Capture.Target
	}
	if profile.Capture.SampleRate != 0 {
		result.Capture.SampleRate = profile.Capture.SampleRate
	}
	if profile.Capture.Channels != 0 {
		result.Capture.Channels = profile.Capture.Channels
	}

	info.Tap = pick(profile.Tap != TapSettings{}, result.Tap != TapSettings{})
	if profile.Tap != (TapSettings{}) {
		result.Tap = profile.Tap
	}

	info.Simulated = pick(profile.Simulated != SimulatedConfig{}, result.Simulated != SimulatedConfig{})
	if profile.Simulated != (SimulatedConfig{}) {
		result.Simulated = profile.Simulated
	}

	info.Output.Directory = pick(profile.Output.Directory != "", result.Output.Directory != "")
	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
	}
	info.Output.BitDepth = pick(profile.Output.BitDepth != 0, result.Output.BitDepth != 0)
	if profile.Output.BitDepth != 0 {
		result.Output.BitDepth = profile.Output.BitDepth
	}

	info.Server.Port = pick(profile.Server.Port != 0, result.Server.Port != 0)
	if profile.Server.Port != 0 {
		result.Server.Port = profile.Server.Port
	}

	return result
}

// applyDefaults fills every value still unset after merging.
func applyDefaults(c *Config) {
	d := defaultConfig
	if c.Capture.Backend == "" {
		c.Capture.Backend = d.Capture.Backend
	}
	if c.Capture.MaxDuration == 0 {
		c.Capture.MaxDuration = d.Capture.MaxDuration
	}
	if c.Tap.Name == "" {
		c.Tap.Name = d.Tap.Name
	}
	if c.Tap.AggregateUID == "" {
		c.Tap.AggregateUID = d.Tap.AggregateUID
	}
	if c.Tap.Mute == "" {
		c.Tap.Mute = d.Tap.Mute
	}
	if c.Simulated.SampleRate == 0 {
		c.Simulated.SampleRate = d.Simulated.SampleRate
	}
	if c.Simulated.Channels == 0 {
		c.Simulated.Channels = d.Simulated.Channels
	}
	if c.Simulated.PeriodFrames == 0 {
		c.Simulated.PeriodFrames = d.Simulated.PeriodFrames
	}
	if c.Simulated.Signal == "" {
		c.Simulated.Signal = d.Simulated.Signal
	}
	if c.Output.Directory == "" {
		c.Output.Directory = d.Output.Directory
	}
	if c.Output.BitDepth == 0 {
		c.Output.BitDepth = d.Output.BitDepth
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("TAPCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// TAPCAPTURE_ACTIVE_CONFIG picks the profile without editing the file
	if active := v.GetString("active_config"); active != "" {
		rootConfig.ActiveConfig = active
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if rootConfig.Capture != nil {
		if err := validateCapture(*rootConfig.Capture, "capture"); err != nil {
			return nil, err
		}
	}

	for configName, configProfile := range rootConfig.Configs {
		if err := validateProfile(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section. It may be omitted entirely.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Taps {
		prefix := fmt.Sprintf("definitions.taps[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if def.Name == "" {
			return fmt.Errorf("%s: 'name' is required", prefix)
		}
		if err := validateMute(def.Mute, prefix); err != nil {
			return err
		}
	}

	return nil
}

func validateProfile(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if profile == nil {
		return nil
	}

	if ref := profile.Tap; ref != nil {
		if ref.Ref == "" {
			return fmt.Errorf("tap: 'ref' is required")
		}
		if findTap(definitions, ref.Ref) == nil {
			return fmt.Errorf("tap: references undefined tap definition '%s'", ref.Ref)
		}
		if err := validateMute(ref.Mute, "tap"); err != nil {
			return err
		}
	}

	if err := validateCapture(profile.Capture, "capture"); err != nil {
		return err
	}
	if err := validateSimulated(profile.Simulated); err != nil {
		return err
	}
	if d := profile.Output.BitDepth; d != 0 && d != 16 && d != 24 && d != 32 {
		return fmt.Errorf("output: 'bit_depth' must be 16, 24 or 32, got: %d", d)
	}
	if p := profile.Server.Port; p < 0 || p > 65535 {
		return fmt.Errorf("server: 'port' must be between 1 and 65535, got: %d", p)
	}

	return nil
}

func validateCapture(c CaptureConfig, prefix string) error {
	switch strings.ToLower(c.Backend) {
	case "", "auto", "miniaudio", "pipewire", "simulated":
	default:
		return fmt.Errorf("%s: 'backend' must be one of auto, miniaudio, pipewire, simulated, got: %s", prefix, c.Backend)
	}
	if c.MaxDuration < 0 {
		return fmt.Errorf("%s: 'max_duration' must be > 0, got: %d", prefix, c.MaxDuration)
	}
	if c.SampleRate < 0 {
		return fmt.Errorf("%s: 'sample_rate' must be > 0, got: %d", prefix, c.SampleRate)
	}
	if c.Channels < 0 {
		return fmt.Errorf("%s: 'channels' must be > 0, got: %d", prefix, c.Channels)
	}
	return nil
}

func validateSimulated(s SimulatedConfig) error {
	if s.SampleRate < 0 {
		return fmt.Errorf("simulated: 'sample_rate' must be > 0, got: %d", s.SampleRate)
	}
	if s.Channels < 0 {
		return fmt.Errorf("simulated: 'channels' must be > 0, got: %d", s.Channels)
	}
	if s.PeriodFrames < 0 {
		return fmt.Errorf("simulated: 'period_frames' must be > 0, got: %d", s.PeriodFrames)
	}
	if s.Signal != "" && s.Signal != "silence" && s.Signal != "sine" {
		return fmt.Errorf("simulated: 'signal' must be 'silence' or 'sine', got: %s", s.Signal)
	}
	return nil
}

func validateMute(mute, prefix string) error {
	switch audio.MuteBehavior(mute) {
	case "", audio.MuteUnmuted, audio.MuteMuted, audio.MuteMutedWhenTapped:
		return nil
	}
	return fmt.Errorf("%s: 'mute' must be 'unmuted', 'muted' or 'muted_when_tapped', got: %s", prefix, mute)
}

// validateResolved checks the values a profile ends up with after merging.
func validateResolved(c *Config) error {
	if c.Capture.MaxDuration <= 0 {
		return fmt.Errorf("capture: 'max_duration' must be > 0, got: %d", c.Capture.MaxDuration)
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output: 'directory' is required")
	}
	return validateMute(c.Tap.Mute, "tap")
}
