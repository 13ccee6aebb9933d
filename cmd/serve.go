package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/kotoba/pkg/config"
	"github.com/lkarlslund/kotoba/pkg/logstore"
	"github.com/lkarlslund/kotoba/pkg/logutil"
	"github.com/lkarlslund/kotoba/pkg/proxy"
	"github.com/lkarlslund/kotoba/pkg/version"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveEnvFile            string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serveConfigPath, serveEnvFile)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			level := cfg.LogLevel
			if cmd.Flags().Changed("loglevel") {
				level = rootLogLevel
			}

			logs := logstore.NewStore(logstore.Settings{MaxLines: cfg.Logs.MaxLines})
			logutil.SetOutputTee(logs.Writer())
			if err := logutil.Configure(level); err != nil {
				return err
			}
			log.Info("starting", "version", version.String(), "config", serveConfigPath)
			if cfg.Upstream.APIKey == "" {
				log.Warn("no upstream API key configured; requests must carry a bearer key")
			}

			srv, err := proxy.NewServer(cfg, logs)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path (optional)")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:3000)")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Environment file loaded before reading API_KEY, API_URL and CODE")
	rootCmd.AddCommand(serveCmd)
}
