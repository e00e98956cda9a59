package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rplacetk/canvasd/internal/config"
	"github.com/rplacetk/canvasd/internal/logging"
	"github.com/rplacetk/canvasd/ws"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the canvas server",
	Long: `Start the websocket server and run until SIGINT or SIGTERM.

On shutdown the listener is closed, connected players are disconnected and
the board is written to canvas.board_path. Editing the config file while
running applies a changed canvas.cooldown and new canvas.bans entries.

Examples:
  canvasd serve
  canvasd serve --addr :9000 --config prod.yaml
  CANVASD_CANVAS_COOLDOWN=10s canvasd serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for clients and the final snapshot")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := readConfig(); err != nil {
		return err
	}
	v := viper.GetViper()
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	if file := v.ConfigFileUsed(); file != "" {
		logger.Info("using config file", "file", file)
	}

	engine, err := ws.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		engine.Stop(context.Background())
		return err
	}
	if v.ConfigFileUsed() != "" {
		config.Watch(v, logger, engine.Reload)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-engine.Faults():
		logger.Error("fault in frame handling, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return engine.Stop(shutdownCtx)
}
