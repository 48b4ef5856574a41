package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders Default as a TOML document Load accepts.
func Template() (string, error) {
	b, err := toml.Marshal(toFile(Default()))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(b), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(c Config) fileConfig {
	var f fileConfig
	f.Name = c.Name
	f.TargetID = int(c.TargetID)
	f.Role = c.Role.String()
	f.Protected = c.Protected

	f.Admin.Addr = c.Admin.Addr
	f.Admin.Token = c.Admin.Token
	f.Admin.CorsOrigins = c.Admin.CorsOrigins

	f.Transport.CommandTimeout = c.Transport.CommandTimeout.String()
	f.Transport.MaxRetry = c.Transport.MaxRetry
	f.Transport.MaxPayloadBytes = c.Transport.Limits.MaxPayloadBytes

	f.TWT.MaxStations = c.TWT.MaxStations
	f.TWT.MaxWorkAttempts = c.TWT.MaxWorkAttempts
	f.TWT.BackoffInitial = c.TWT.Backoff.InitialDelay.String()
	f.TWT.BackoffMax = c.TWT.Backoff.MaxDelay.String()
	f.TWT.BackoffMultiplier = c.TWT.Backoff.Multiplier
	f.TWT.BackoffJitter = c.TWT.Backoff.Jitter

	f.Log.Level = c.Log.Level
	f.Log.JSON = c.Log.JSON

	f.Sim.Delay = c.Sim.Delay.String()
	f.Sim.DropAttempts = c.Sim.DropAttempts
	f.Sim.Status = c.Sim.Status
	return f
}
