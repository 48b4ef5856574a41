package config

import (
	"github.com/danmuck/radioctl/internal/auth"
	"github.com/danmuck/radioctl/internal/fwsim"
	"github.com/danmuck/radioctl/internal/logging"
	"github.com/danmuck/radioctl/internal/radio"
	"github.com/danmuck/radioctl/internal/server"
	"github.com/danmuck/radioctl/internal/twt"
)

func (c Config) Radio() radio.Config {
	return radio.Config{
		Name:      c.Name,
		TargetID:  c.TargetID,
		Transport: c.Transport,
		TWT: twt.Config{
			Role:            c.Role,
			MaxStations:     c.TWT.MaxStations,
			Protected:       c.Protected,
			MaxWorkAttempts: c.TWT.MaxWorkAttempts,
			Backoff:         c.TWT.Backoff,
		},
	}
}

func (c Config) Server() server.Options {
	opts := server.Options{
		Name:        c.Name,
		Addr:        c.Admin.Addr,
		CorsOrigins: c.Admin.CorsOrigins,
	}
	if c.Admin.Token != "" {
		opts.Auth = auth.StaticToken{Token: c.Admin.Token}
	}
	return opts
}

func (c Config) SimMode() fwsim.Mode {
	return fwsim.Mode{
		Delay:        c.Sim.Delay,
		DropAttempts: c.Sim.DropAttempts,
		Status:       c.Sim.Status,
	}
}

// Logging resolves the runtime logger from the file settings; env vars still win.
func (c Config) Logging() logging.Config {
	lc := logging.Defaults(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		lc.Level = lvl
	}
	lc.JSON = c.Log.JSON
	logging.ApplyEnv(&lc)
	return lc
}
