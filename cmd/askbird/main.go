package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/askbird/askbird/cmd/askbird/consolecmd"
	"github.com/askbird/askbird/cmd/askbird/slackcmd"
	"github.com/askbird/askbird/internal/config"
	"github.com/askbird/askbird/internal/gateway"
	"github.com/askbird/askbird/internal/logutil"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "askbird",
		Short:         "Answer analytics questions in Slack or a local terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			terminal, _ := cmd.Flags().GetBool("terminal")

			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := cfg.ValidateForMode(terminal); err != nil {
				return err
			}

			logger, err := logutil.New(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			gw, err := gateway.New(gateway.Options{
				Config: cfg,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			if terminal {
				return consolecmd.Run(cmd.Context(), consolecmd.Options{
					Config: cfg,
					Logger: logger,
					Answer: gw.Answer,
				})
			}
			return slackcmd.Run(cmd.Context(), slackcmd.Options{
				Config: cfg,
				Logger: logger,
				Answer: gw.Answer,
			})
		},
	}
	cmd.Flags().Bool("terminal", false, "Run an interactive terminal session instead of the Slack bot")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
