package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/radioctl/internal/config"
	"github.com/danmuck/radioctl/internal/fwsim"
	"github.com/danmuck/radioctl/internal/logging"
	"github.com/danmuck/radioctl/internal/radio"
	"github.com/danmuck/radioctl/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "path to radioctl config (defaults apply when empty)")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "radioctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logging.Apply(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The simulator stands in for the co-processor link.
	sim := fwsim.New(cfg.Transport.Limits)
	sim.SetDefaultMode(cfg.SimMode())
	dev, err := radio.NewDevice(cfg.Radio(), sim)
	if err != nil {
		return err
	}
	sim.Attach(dev.Deliver)

	srv := server.New(cfg.Server(), dev.Engine())
	log.Info().Msgf("radioctl.run device=%s role=%s admin=%s", dev.Name(), cfg.Role, cfg.Admin.Addr)

	devErr := make(chan error, 1)
	go func() {
		devErr <- dev.Run(ctx)
	}()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	select {
	case err := <-serveErr:
		stop()
		<-devErr
		return err
	case err := <-devErr:
		stop()
		if serr := <-serveErr; serr != nil {
			return serr
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
