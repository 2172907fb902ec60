package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Sanitizer   SanitizerConfig   `json:"sanitizer"`
	Store       StoreConfig       `json:"store"`
	Channels    ChannelsConfig    `json:"channels"`
	Provider    ProviderConfig    `json:"provider"`
	mu          sync.RWMutex
}

// DispatchConfig is the option surface of the admission and debounce core.
type DispatchConfig struct {
	EnergyInitial            float64  `json:"energy_initial" env:"HEARTCORE_DISPATCH_ENERGY_INITIAL"`
	EnergyFloor              float64  `json:"energy_floor" env:"HEARTCORE_DISPATCH_ENERGY_FLOOR"`
	EnergyCostPerCycle       float64  `json:"energy_cost_per_cycle" env:"HEARTCORE_DISPATCH_ENERGY_COST_PER_CYCLE"`
	DebounceQuietSeconds     float64  `json:"debounce_quiet_seconds" env:"HEARTCORE_DISPATCH_DEBOUNCE_QUIET_SECONDS"`
	DebounceMaxWindowSeconds float64  `json:"debounce_max_window_seconds" env:"HEARTCORE_DISPATCH_DEBOUNCE_MAX_WINDOW_SECONDS"`
	BackgroundPoolCapacity   int      `json:"background_pool_capacity" env:"HEARTCORE_DISPATCH_BACKGROUND_POOL_CAPACITY"`
	AmbientRingCapacity      int      `json:"ambient_ring_capacity" env:"HEARTCORE_DISPATCH_AMBIENT_RING_CAPACITY"`
	ClassifierFailureDefault string   `json:"classifier_failure_default" env:"HEARTCORE_DISPATCH_CLASSIFIER_FAILURE_DEFAULT"` // reply | wait | ignore
	ShortcutPhrases          []string `json:"shortcut_phrases"`
}

// MaintenanceConfig drives the background decay/eviction loop.
type MaintenanceConfig struct {
	TickSeconds                  int     `json:"tick_seconds" env:"HEARTCORE_MAINTENANCE_TICK_SECONDS"`
	EnergyRecoveryIncrement      float64 `json:"energy_recovery_increment" env:"HEARTCORE_MAINTENANCE_ENERGY_RECOVERY_INCREMENT"`
	EnergyRecoveryCeiling        float64 `json:"energy_recovery_ceiling" env:"HEARTCORE_MAINTENANCE_ENERGY_RECOVERY_CEILING"`
	EnergyRecoverySilenceMinutes int     `json:"energy_recovery_silence_minutes" env:"HEARTCORE_MAINTENANCE_ENERGY_RECOVERY_SILENCE_MINUTES"`
	EnergyDailyRecovery          float64 `json:"energy_daily_recovery" env:"HEARTCORE_MAINTENANCE_ENERGY_DAILY_RECOVERY"`
	MoodDecayIntervalSeconds     int     `json:"mood_decay_interval_seconds" env:"HEARTCORE_MAINTENANCE_MOOD_DECAY_INTERVAL_SECONDS"`
	MoodDecayStep                float64 `json:"mood_decay_step" env:"HEARTCORE_MAINTENANCE_MOOD_DECAY_STEP"`
	EvictionTTLSeconds           int     `json:"eviction_ttl_seconds" env:"HEARTCORE_MAINTENANCE_EVICTION_TTL_SECONDS"`
	DailyResetCron               string  `json:"daily_reset_cron" env:"HEARTCORE_MAINTENANCE_DAILY_RESET_CRON"`
}

type SanitizerConfig struct {
	CommandPrefixes  []string `json:"command_prefixes"`
	BotNicknames     []string `json:"bot_nicknames"`
	MinMessageLength int      `json:"min_message_length" env:"HEARTCORE_SANITIZER_MIN_MESSAGE_LENGTH"`
}

type StoreConfig struct {
	Path string `json:"path" env:"HEARTCORE_STORE_PATH"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"HEARTCORE_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"HEARTCORE_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"HEARTCORE_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProviderConfig struct {
	APIKey     string `json:"api_key" env:"HEARTCORE_PROVIDER_API_KEY"`
	APIBase    string `json:"api_base" env:"HEARTCORE_PROVIDER_API_BASE"`
	JudgeModel string `json:"judge_model" env:"HEARTCORE_PROVIDER_JUDGE_MODEL"`
	ReplyModel string `json:"reply_model" env:"HEARTCORE_PROVIDER_REPLY_MODEL"`
	TimeoutSec int    `json:"timeout_seconds" env:"HEARTCORE_PROVIDER_TIMEOUT_SECONDS"`
}

func DefaultConfig() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			EnergyInitial:            0.8,
			EnergyFloor:              0.1,
			EnergyCostPerCycle:       0.05,
			DebounceQuietSeconds:     2.0,
			DebounceMaxWindowSeconds: 20.0,
			BackgroundPoolCapacity:   30,
			AmbientRingCapacity:      20,
			ClassifierFailureDefault: "ignore",
			ShortcutPhrases:          []string{},
		},
		Maintenance: MaintenanceConfig{
			TickSeconds:                  60,
			EnergyRecoveryIncrement:      0.1,
			EnergyRecoveryCeiling:        0.8,
			EnergyRecoverySilenceMinutes: 60,
			EnergyDailyRecovery:          0.2,
			MoodDecayIntervalSeconds:     300,
			MoodDecayStep:                0.1,
			EvictionTTLSeconds:           600,
			DailyResetCron:               "0 4 * * *",
		},
		Sanitizer: SanitizerConfig{
			CommandPrefixes:  []string{"/", "!"},
			BotNicknames:     []string{},
			MinMessageLength: 1,
		},
		Store: StoreConfig{
			Path: "~/.heartcore/state/sessions.db",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Provider: ProviderConfig{
			APIBase:    "https://openrouter.ai/api/v1",
			JudgeModel: "openai/gpt-5.2-mini",
			ReplyModel: "openai/gpt-5.2",
			TimeoutSec: 120,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects option values the dispatch core cannot run with.
func (c *Config) Validate() error {
	d := c.Dispatch
	if d.EnergyInitial < 0 || d.EnergyInitial > 1 {
		return fmt.Errorf("dispatch.energy_initial must be in [0,1], got %v", d.EnergyInitial)
	}
	if d.EnergyFloor < 0 || d.EnergyFloor > 1 {
		return fmt.Errorf("dispatch.energy_floor must be in [0,1], got %v", d.EnergyFloor)
	}
	if d.EnergyCostPerCycle < 0 || d.EnergyCostPerCycle > 1 {
		return fmt.Errorf("dispatch.energy_cost_per_cycle must be in [0,1], got %v", d.EnergyCostPerCycle)
	}
	if d.DebounceQuietSeconds <= 0 {
		return fmt.Errorf("dispatch.debounce_quiet_seconds must be positive, got %v", d.DebounceQuietSeconds)
	}
	if d.DebounceMaxWindowSeconds < d.DebounceQuietSeconds {
		return fmt.Errorf("dispatch.debounce_max_window_seconds (%v) must be >= debounce_quiet_seconds (%v)",
			d.DebounceMaxWindowSeconds, d.DebounceQuietSeconds)
	}
	if d.BackgroundPoolCapacity <= 0 {
		return fmt.Errorf("dispatch.background_pool_capacity must be positive, got %d", d.BackgroundPoolCapacity)
	}
	switch d.ClassifierFailureDefault {
	case "reply", "wait", "ignore":
	default:
		return fmt.Errorf("dispatch.classifier_failure_default must be reply, wait or ignore, got %q", d.ClassifierFailureDefault)
	}
	m := c.Maintenance
	if m.TickSeconds <= 0 {
		return fmt.Errorf("maintenance.tick_seconds must be positive, got %d", m.TickSeconds)
	}
	if m.EnergyRecoveryIncrement < 0 || m.EnergyRecoveryIncrement > 1 {
		return fmt.Errorf("maintenance.energy_recovery_increment must be in [0,1], got %v", m.EnergyRecoveryIncrement)
	}
	if m.EnergyRecoveryCeiling < 0 || m.EnergyRecoveryCeiling > 1 {
		return fmt.Errorf("maintenance.energy_recovery_ceiling must be in [0,1], got %v", m.EnergyRecoveryCeiling)
	}
	if m.EnergyDailyRecovery < 0 || m.EnergyDailyRecovery > 1 {
		return fmt.Errorf("maintenance.energy_daily_recovery must be in [0,1], got %v", m.EnergyDailyRecovery)
	}
	if m.MoodDecayStep < 0 || m.MoodDecayStep > 2 {
		return fmt.Errorf("maintenance.mood_decay_step must be in [0,2], got %v", m.MoodDecayStep)
	}
	return nil
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
