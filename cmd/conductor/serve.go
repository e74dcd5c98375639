package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/config"
	"github.com/joshsymonds/conductor/internal/logging"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger, prometheus.NewRegistry())
			if err != nil {
				logger.Error("Startup failed", zap.Error(err))
				return err
			}
			return a.run(cmd.Context())
		},
	}

	d := config.Defaults()
	flags := cmd.Flags()
	flags.String("addr", d.HTTP.Addr, "HTTP listen address")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", d.Log.Format, "log format (json, console)")
	flags.String("signal-socket", d.Signal.Socket, "signal-cli JSON-RPC socket")
	flags.Bool("signal", d.Signal.Enabled, "receive and reply over Signal")
	flags.Duration("window", d.Buffer.Window, "quiet period before buffered messages are dispatched")
	flags.Int("max-concurrent", d.Admission.MaxConcurrent, "maximum concurrent claude processes")

	for key, flag := range map[string]string{
		"http.addr":                "addr",
		"log.level":                "log-level",
		"log.format":               "log-format",
		"signal.socket":            "signal-socket",
		"signal.enabled":           "signal",
		"buffer.window":            "window",
		"admission.max_concurrent": "max-concurrent",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}
