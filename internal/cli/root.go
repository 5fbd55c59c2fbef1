package cli

import (
	"context"

	"github.com/biterate/internal/app"
	"github.com/biterate/internal/config"
	"github.com/biterate/internal/logging"
	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd 返回 biterate 命令行的根命令。
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "biterate",
		Short:         "BiteRate social media agent",
		Long:          "BiteRate turns restaurant reviews from Notion into Mastodon posts, with Telegram approval and automated replies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ./config/config.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newReplyCmd())
	rootCmd.AddCommand(newListenCmd())
	rootCmd.AddCommand(newHashTokenCmd())

	return rootCmd
}

// bootstrap 加载配置、构建日志并装配应用，调用方负责 Close。
func bootstrap(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func shutdown(a *app.App) {
	a.Close()
	_ = a.Logger.Sync()
}
