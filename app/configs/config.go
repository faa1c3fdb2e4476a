package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Server   ServerConfig      `json:"server"`
	Model    ModelConfig       `json:"model"`
	Debounce DebounceConfig    `json:"debounce"`
	Window   WindowConfig      `json:"window"`
	Nudge    NudgeConfig       `json:"nudge"`
	Pricing  PricingConfig     `json:"pricing"`
	Store    StoreConfig       `json:"store"`
	Pages    map[string]string `json:"pages"`
}

type ServerConfig struct {
	Port        int    `json:"port"`
	VerifyToken string `json:"verify_token"`
}

type ModelConfig struct {
	Name               string `json:"name"`
	APIKey             string `json:"api_key"`
	RequestTimeoutSec  int    `json:"request_timeout_sec"`
	MaxAttempts        int    `json:"max_attempts"`
	FollowUpHorizonHrs int    `json:"follow_up_horizon_hrs"`
}

type DebounceConfig struct {
	QuietSec int `json:"quiet_sec"`
}

type WindowConfig struct {
	OpenHour  int    `json:"open_hour"`
	CloseHour int    `json:"close_hour"`
	Timezone  string `json:"timezone"`
}

type NudgeConfig struct {
	Level1DelayMin  int `json:"level1_delay_min"`
	Level2DelayMin  int `json:"level2_delay_min"`
	PollIntervalSec int `json:"poll_interval_sec"`
	AttemptCap      int `json:"attempt_cap"`
	BatchLimit      int `json:"batch_limit"`
	ReadAdvanceMin  int `json:"read_advance_min"`
}

type PricingConfig struct {
	Primary           int `json:"primary"`
	SecondaryBasic    int `json:"secondary_basic"`
	SecondaryExtended int `json:"secondary_extended"`
	ExamYear          int `json:"exam_year"`
}

type StoreConfig struct {
	Driver    string `json:"driver"`
	DataDir   string `json:"data_dir"`
	RedisAddr string `json:"redis_addr"`
	RedisDB   int    `json:"redis_db"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

// LoadFile reads and normalizes a config file without mutating it on disk.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// Validate reports the problems that would keep the bot from serving
// traffic. Defaults cover everything else.
func Validate(cfg Config) []string {
	var problems []string
	if strings.TrimSpace(cfg.Server.VerifyToken) == "" {
		problems = append(problems, "server.verify_token is empty")
	}
	if len(cfg.Pages) == 0 {
		problems = append(problems, "pages is empty, no inbound page can be routed")
	}
	for pageID, token := range cfg.Pages {
		if strings.TrimSpace(token) == "" {
			problems = append(problems, fmt.Sprintf("pages[%s] has an empty access token", pageID))
		}
	}
	if strings.TrimSpace(cfg.Model.APIKey) == "" && strings.TrimSpace(os.Getenv("OPENAI_API_KEY")) == "" {
		problems = append(problems, "model.api_key is empty and OPENAI_API_KEY is not set")
	}
	switch cfg.Store.Driver {
	case "memory", "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
			problems = append(problems, "store.redis_addr is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of memory, sqlite, redis", cfg.Store.Driver))
	}
	return problems
}

func (c ModelConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c ModelConfig) FollowUpHorizon() time.Duration {
	return time.Duration(c.FollowUpHorizonHrs) * time.Hour
}

func (c DebounceConfig) Quiet() time.Duration {
	return time.Duration(c.QuietSec) * time.Second
}

func (c NudgeConfig) Level1Delay() time.Duration {
	return time.Duration(c.Level1DelayMin) * time.Minute
}

func (c NudgeConfig) Level2Delay() time.Duration {
	return time.Duration(c.Level2DelayMin) * time.Minute
}

func (c NudgeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c NudgeConfig) ReadAdvance() time.Duration {
	return time.Duration(c.ReadAdvanceMin) * time.Minute
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Model: ModelConfig{
			Name:               "gpt-4o-mini",
			RequestTimeoutSec:  30,
			MaxAttempts:        3,
			FollowUpHorizonHrs: 24,
		},
		Debounce: DebounceConfig{
			QuietSec: 5,
		},
		Window: WindowConfig{
			OpenHour:  9,
			CloseHour: 21,
			Timezone:  "Europe/Warsaw",
		},
		Nudge: NudgeConfig{
			Level1DelayMin:  720,
			Level2DelayMin:  1440,
			PollIntervalSec: 25,
			AttemptCap:      3,
			BatchLimit:      50,
		},
		Pricing: PricingConfig{
			Primary:           60,
			SecondaryBasic:    70,
			SecondaryExtended: 80,
			ExamYear:          90,
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: "data",
		},
		Pages: map[string]string{},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if strings.TrimSpace(cfg.Model.Name) == "" {
		cfg.Model.Name = "gpt-4o-mini"
	}
	if cfg.Model.RequestTimeoutSec <= 0 {
		cfg.Model.RequestTimeoutSec = 30
	}
	if cfg.Model.MaxAttempts <= 0 {
		cfg.Model.MaxAttempts = 3
	}
	if cfg.Model.FollowUpHorizonHrs <= 0 {
		cfg.Model.FollowUpHorizonHrs = 24
	}
	if cfg.Debounce.QuietSec <= 0 {
		cfg.Debounce.QuietSec = 5
	}
	if cfg.Window.OpenHour <= 0 && cfg.Window.CloseHour <= 0 {
		cfg.Window.OpenHour = 9
		cfg.Window.CloseHour = 21
	}
	if strings.TrimSpace(cfg.Window.Timezone) == "" {
		cfg.Window.Timezone = "Europe/Warsaw"
	}
	if cfg.Nudge.Level1DelayMin <= 0 {
		cfg.Nudge.Level1DelayMin = 720
	}
	if cfg.Nudge.Level2DelayMin <= 0 {
		cfg.Nudge.Level2DelayMin = 1440
	}
	if cfg.Nudge.PollIntervalSec <= 0 {
		cfg.Nudge.PollIntervalSec = 25
	}
	if cfg.Nudge.AttemptCap <= 0 {
		cfg.Nudge.AttemptCap = 3
	}
	if cfg.Nudge.BatchLimit <= 0 {
		cfg.Nudge.BatchLimit = 50
	}
	if cfg.Nudge.ReadAdvanceMin < 0 {
		cfg.Nudge.ReadAdvanceMin = 0
	}
	if cfg.Pricing.Primary <= 0 {
		cfg.Pricing.Primary = 60
	}
	if cfg.Pricing.SecondaryBasic <= 0 {
		cfg.Pricing.SecondaryBasic = 70
	}
	if cfg.Pricing.SecondaryExtended <= 0 {
		cfg.Pricing.SecondaryExtended = 80
	}
	if cfg.Pricing.ExamYear <= 0 {
		cfg.Pricing.ExamYear = 90
	}
	if strings.TrimSpace(cfg.Store.Driver) == "" {
		cfg.Store.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.Store.DataDir) == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Pages == nil {
		cfg.Pages = map[string]string{}
	}
}
