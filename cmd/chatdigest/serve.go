package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/chatdigest/internal/bot"
	"github.com/xaenox/chatdigest/internal/webhook"
)

var (
	serveNoSweeper bool
	serveAddr      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the LINE webhook, the admin API, the Telegram bot and the sweeper",
	Long: `Run the HTTP server (LINE webhook and admin API), the Telegram bot when a
token is configured, and the periodic expiry sweeper until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg, err := loadConfig()
		if err != nil {
			logger.Error("Failed to load config", zap.Error(err), zap.String("path", configPath))
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server := webhook.NewServer(a.ingester, a.manager, a.sweeper, a.store, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(cfg.Server.Addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		if !serveNoSweeper {
			g.Go(func() error {
				a.sweeper.Run(gctx)
				return nil
			})
		}

		if cfg.Telegram.Token != "" {
			b, err := bot.New(cfg.Telegram.Token, cfg.Telegram.OwnerID, a.ingester, a.manager, a.store, logger)
			if err != nil {
				logger.Error("Failed to create bot", zap.Error(err))
				stop()
				_ = g.Wait()
				return err
			}
			g.Go(func() error {
				return b.Start(gctx)
			})
		} else {
			logger.Info("No Telegram token configured, bot disabled")
		}

		err = g.Wait()

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.SummaryTimeout+10*time.Second)
		defer cancel()
		if drainErr := a.manager.Wait(drainCtx); drainErr != nil {
			logger.Warn("Background summaries still running at shutdown, the sweeper reconciles them", zap.Error(drainErr))
		}

		logger.Info("Shut down")
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoSweeper, "no-sweeper", false, "Do not run the periodic expiry sweeper in this process")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides server.addr")
}
