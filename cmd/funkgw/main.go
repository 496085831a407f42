package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/shutterbus/funkgw/sched"
	"github.com/shutterbus/funkgw/state"
	"github.com/shutterbus/funkgw/stick"
	"github.com/shutterbus/funkgw/tele"
	"github.com/shutterbus/funkgw/web"
)

var log zerolog.Logger

func main() {
	flagConfig := flag.String("config", "funkgw.hcl", "")
	flag.Parse()

	if isatty.IsTerminal(os.Stderr.Fd()) {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		// systemd journal: structured, no console colors
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Info().Msg("hello")

	config := state.MustReadConfigFile(fatal, *flagConfig)

	stickLog := log.With().Str("comp", "stick").Logger()
	if !config.Stick.LogDebug {
		stickLog = stickLog.Level(zerolog.InfoLevel)
	}

	store, err := state.NewStore(log.With().Str("comp", "store").Logger(), config.Persist.Root)
	if err != nil {
		fatal(errors.ErrorStack(err))
	}

	port := stick.NewSerialPort()
	if err = port.Open(config.Stick.Device, config.Stick.Baud); err != nil {
		fatal(errors.ErrorStack(err))
	}
	defer port.Close()

	dispatcher := stick.NewDispatcher(port, stick.Config{
		ResponseTimeout: config.ResponseTimeout(),
		CommandDelay:    config.CommandDelay(),
		Log:             stickLog,
		OnStatus:        store.SetStatus,
	})
	if err = dispatcher.Start(); err != nil {
		fatal(errors.ErrorStack(err))
	}
	defer dispatcher.Stop()

	scheduler, err := sched.New(log.With().Str("comp", "sched").Logger(),
		dispatcher, config.Sched.Latitude, config.Sched.Longitude, config.Persist.Root)
	if err != nil {
		fatal(errors.ErrorStack(err))
	}
	if config.Sched.Enable {
		if err = scheduler.Start(); err != nil {
			fatal(errors.ErrorStack(err))
		}
		defer scheduler.Stop()
	}

	telemetry := tele.New(log.With().Str("comp", "tele").Logger(), tele.Config{
		Enable:   config.Tele.Enable,
		Broker:   config.Tele.Broker,
		Prefix:   config.Tele.Prefix,
		Username: config.Tele.Username,
		Password: config.Tele.Password,
	}, dispatcher, store)
	if err = telemetry.Init(); err != nil {
		fatal(errors.ErrorStack(err))
	}
	defer telemetry.Close()

	server := web.NewServer(log.With().Str("comp", "web").Logger(),
		dispatcher, store, scheduler, config.API.AuthSecret)
	server.Start(config.API.Listen)
	defer server.Stop()

	sdnotify(daemon.SdNotifyReady)
	log.Info().Str("listen", config.API.Listen).Str("device", config.Stick.Device).Msg("gateway running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown")
	sdnotify(daemon.SdNotifyStopping)
}

func fatal(args ...interface{}) {
	for _, a := range args {
		log.Error().Msgf("%v", a)
	}
	os.Exit(1)
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
