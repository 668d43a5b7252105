// Command modbus-gateway bridges Modbus TCP clients to a Modbus RTU bus
// over a single serial device.
package main

import (
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	gateway "github.com/serialtools/modbus-gateway"
	"github.com/serialtools/modbus-gateway/config"
)

type options struct {
	Config  string `short:"c" long:"config" default:"modbus-gateway.toml" description:"path to the configuration file"`
	Verbose bool   `short:"v" long:"verbose" description:"enable debug logging"`
}

// zeroLogger adapts zerolog to the gateway's LogProvider.
type zeroLogger struct {
	log zerolog.Logger
}

func (sf zeroLogger) Errorf(format string, v ...interface{}) {
	sf.log.Error().Msgf(format, v...)
}

func (sf zeroLogger) Debugf(format string, v ...interface{}) {
	sf.log.Debug().Msgf(format, v...)
}

func main() {
	var opts options

	if _, err := flags.Parse(&opts); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	log.Info().
		Str("tcp", cfg.TCP.Addr()).
		Str("rtu", cfg.RTU.Port).
		Int("baudrate", cfg.RTU.Baudrate).
		Msg("modbus gateway starting")

	srv := gateway.NewServer(cfg)
	srv.SetLogProvider(zeroLogger{log})
	srv.LogMode(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		srv.Close()
	}()

	if err := srv.ListenAndServe(cfg.TCP.Addr()); err != nil {
		log.Error().Err(err).Msg("server exit")
	}
}
