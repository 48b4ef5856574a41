package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/radioctl/internal/protocol/session"
	"github.com/danmuck/radioctl/internal/twt"
)

// Config is the resolved configuration of one radioctl process.
type Config struct {
	Name      string
	TargetID  uint16
	Role      twt.Role
	Protected bool

	Admin     AdminConfig
	Transport session.Config
	TWT       TWTConfig
	Log       LogConfig
	Sim       SimConfig
}

type AdminConfig struct {
	Addr        string
	Token       string
	CorsOrigins []string
}

type TWTConfig struct {
	MaxStations     int
	MaxWorkAttempts int
	Backoff         session.BackoffConfig
}

type LogConfig struct {
	Level string
	JSON  bool
}

// SimConfig shapes the simulated firmware link.
type SimConfig struct {
	Delay        time.Duration
	DropAttempts int
	Status       int32
}

func Default() Config {
	tr := session.DefaultConfig()
	return Config{
		Name:     "radio0",
		TargetID: 1,
		Role:     twt.RoleResponder,
		Admin: AdminConfig{
			Addr:        ":9400",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Transport: tr,
		TWT: TWTConfig{
			MaxStations:     twt.DefaultMaxStations,
			MaxWorkAttempts: twt.DefaultMaxWorkAttempts,
			Backoff:         tr.Backoff,
		},
		Log: LogConfig{Level: "info"},
	}
}

type fileConfig struct {
	Name      string `toml:"name"`
	TargetID  int    `toml:"target_id"`
	Role      string `toml:"role"`
	Protected bool   `toml:"protected"`

	Admin struct {
		Addr        string   `toml:"addr"`
		Token       string   `toml:"token"`
		CorsOrigins []string `toml:"cors_origins"`
	} `toml:"admin"`

	Transport struct {
		CommandTimeout  string `toml:"command_timeout"`
		MaxRetry        int    `toml:"max_retry"`
		MaxPayloadBytes int    `toml:"max_payload_bytes"`
	} `toml:"transport"`

	TWT struct {
		MaxStations       int     `toml:"max_stations"`
		MaxWorkAttempts   int     `toml:"max_work_attempts"`
		BackoffInitial    string  `toml:"backoff_initial"`
		BackoffMax        string  `toml:"backoff_max"`
		BackoffMultiplier float64 `toml:"backoff_multiplier"`
		BackoffJitter     bool    `toml:"backoff_jitter"`
	} `toml:"twt"`

	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`

	Sim struct {
		Delay        string `toml:"delay"`
		DropAttempts int    `toml:"drop_attempts"`
		Status       int32  `toml:"status"`
	} `toml:"sim"`
}

// Load reads path and overlays every defined key onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load radioctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("target_id") {
		if raw.TargetID < 0 || raw.TargetID > 0xFFFF {
			return Config{}, fmt.Errorf("target_id %d out of range", raw.TargetID)
		}
		cfg.TargetID = uint16(raw.TargetID)
	}
	if meta.IsDefined("role") {
		role, err := twt.ParseRole(strings.TrimSpace(raw.Role))
		if err != nil {
			return Config{}, err
		}
		cfg.Role = role
	}
	if meta.IsDefined("protected") {
		cfg.Protected = raw.Protected
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeList(raw.Admin.CorsOrigins)
	}

	if meta.IsDefined("transport", "command_timeout") {
		if cfg.Transport.CommandTimeout, err = parseDuration("transport.command_timeout", raw.Transport.CommandTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("transport", "max_retry") {
		cfg.Transport.MaxRetry = raw.Transport.MaxRetry
	}
	if meta.IsDefined("transport", "max_payload_bytes") {
		cfg.Transport.Limits.MaxPayloadBytes = raw.Transport.MaxPayloadBytes
	}

	if meta.IsDefined("twt", "max_stations") {
		cfg.TWT.MaxStations = raw.TWT.MaxStations
	}
	if meta.IsDefined("twt", "max_work_attempts") {
		cfg.TWT.MaxWorkAttempts = raw.TWT.MaxWorkAttempts
	}
	if meta.IsDefined("twt", "backoff_initial") {
		if cfg.TWT.Backoff.InitialDelay, err = parseDuration("twt.backoff_initial", raw.TWT.BackoffInitial); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("twt", "backoff_max") {
		if cfg.TWT.Backoff.MaxDelay, err = parseDuration("twt.backoff_max", raw.TWT.BackoffMax); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("twt", "backoff_multiplier") {
		cfg.TWT.Backoff.Multiplier = raw.TWT.BackoffMultiplier
	}
	if meta.IsDefined("twt", "backoff_jitter") {
		cfg.TWT.Backoff.Jitter = raw.TWT.BackoffJitter
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}

	if meta.IsDefined("sim", "delay") {
		if cfg.Sim.Delay, err = parseDuration("sim.delay", raw.Sim.Delay); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sim", "drop_attempts") {
		cfg.Sim.DropAttempts = raw.Sim.DropAttempts
	}
	if meta.IsDefined("sim", "status") {
		cfg.Sim.Status = raw.Sim.Status
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	if cfg.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required")
	}
	if cfg.Transport.CommandTimeout <= 0 {
		return fmt.Errorf("transport.command_timeout must be positive")
	}
	if cfg.Transport.MaxRetry < 1 || cfg.Transport.MaxRetry > 4 {
		return fmt.Errorf("transport.max_retry must be in [1,4], got %d", cfg.Transport.MaxRetry)
	}
	if cfg.Transport.Limits.MaxPayloadBytes <= 0 || cfg.Transport.Limits.MaxPayloadBytes > 0xFFFF {
		return fmt.Errorf("transport.max_payload_bytes out of range: %d", cfg.Transport.Limits.MaxPayloadBytes)
	}
	if cfg.TWT.MaxStations < 1 {
		return fmt.Errorf("twt.max_stations must be positive")
	}
	if cfg.TWT.MaxWorkAttempts < 1 {
		return fmt.Errorf("twt.max_work_attempts must be positive")
	}
	if cfg.TWT.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("twt.backoff_initial must be positive")
	}
	if cfg.TWT.Backoff.MaxDelay > 0 && cfg.TWT.Backoff.MaxDelay < cfg.TWT.Backoff.InitialDelay {
		return fmt.Errorf("twt.backoff_max below twt.backoff_initial")
	}
	if cfg.Sim.DropAttempts < 0 {
		return fmt.Errorf("sim.drop_attempts must not be negative")
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
