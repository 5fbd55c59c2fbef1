package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/biterate/internal/handler"
	"github.com/biterate/internal/logging"
	"github.com/biterate/internal/router"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)

			if a.Config.Server.GinMode != "" {
				gin.SetMode(a.Config.Server.GinMode)
			}

			a.StartTelegramPoller(ctx)
			if a.Config.Listener.Enabled {
				go func() {
					if err := a.Listener.Run(ctx); err != nil {
						a.Logger.Error("mention listener exited", zap.Error(err))
					}
				}()
			}
			if a.Config.NotionListener.Enabled {
				go func() {
					if err := a.NotionListener.Run(ctx); err != nil {
						a.Logger.Error("notion listener exited", zap.Error(err))
					}
				}()
			}

			r := router.SetupRouter(handler.NewAPI(a.HandlerDeps()), router.Options{
				TriggerTokenHash: a.Config.Server.TriggerTokenHash,
				Metrics:          a.Metrics,
				Logger:           logging.Component(a.Logger, "http"),
			})
			srv := &http.Server{
				Addr:              a.Config.Server.Addr(),
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.Logger.Info("shutting down http server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
