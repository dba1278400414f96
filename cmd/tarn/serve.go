package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/tarn/internal/api"
	"github.com/seantiz/tarn/internal/environment"
	"github.com/seantiz/tarn/internal/settings"
)

const defaultStatusAddr = "127.0.0.1:8787"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep environments launched and serve their status on loopback",
		Long: `serve launches the given environments, keeps their workers running and
serves a status API (health, metrics, environments, worker output) until
interrupted. Workers can be stopped with DELETE /v1/environments/{name}.`,
		Example: "  tarn serve --launch cellpose --launch numpy",
		Args:    cobra.NoArgs,
		RunE:    runServe,
	}
	cmd.Flags().String("addr", "", "Loopback address of the status API (default $TARN_STATUS_ADDR or "+defaultStatusAddr+")")
	cmd.Flags().StringArray("launch", nil, "Environment to launch at startup (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return fmt.Errorf("failed to get addr flag: %w", err)
	}
	launch, err := cmd.Flags().GetStringArray("launch")
	if err != nil {
		return fmt.Errorf("failed to get launch flag: %w", err)
	}

	return withApp(cmd, func(a *app) error {
		ctx := cmd.Context()
		if addr == "" {
			addr = a.cfg.StatusAddr
		}
		if addr == "" {
			addr = defaultStatusAddr
		}

		if err := a.settings.Watch(ctx, func(p settings.Proxies) {
			a.logger.Info("proxies reloaded", "http", p.HTTP != "", "https", p.HTTPS != "")
		}); err != nil {
			return err
		}

		for _, name := range launch {
			client, err := a.manager.Launch(ctx, name, environment.LaunchOptions{})
			if err != nil {
				return fmt.Errorf("launch %s: %w", name, err)
			}
			a.logger.Info("environment launched", "environment", name, "endpoint", client.Endpoint().String())
		}

		srv := api.NewServer(addr, a.manager, a.store, a.manager.Broker(), a.logger)
		return srv.Run(ctx)
	})
}
