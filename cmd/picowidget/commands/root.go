// Package commands is the picowidget CLI: the gateway (serve), a terminal
// mobile client (mobile) and a terminal web watcher (watch).
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sipeed/picowidget/pkg/config"
	"github.com/sipeed/picowidget/pkg/logger"
)

var (
	configPath string
	cfg        *config.Config

	gatewayURL string
	apiKey     string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "picowidget",
		Short:         "Embeddable chat widget gateway with single-device conversations",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = c
			logger.Configure(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if gatewayURL == "" {
				gatewayURL = "http://" + cfg.Addr()
			}
			if apiKey == "" {
				apiKey = cfg.Gateway.APIKey
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file (YAML)")
	root.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway base URL (default http://<gateway.host>:<gateway.port>)")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "gateway API key (default gateway.api_key)")

	root.AddCommand(serveCmd(), mobileCmd(), watchCmd())
	return root.Execute()
}

func defaultConfigPath() string {
	if env := os.Getenv("PICOWIDGET_CONFIG"); env != "" {
		return env
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "picowidget.yaml"
	}
	return filepath.Join(dir, ".picowidget", "config.yaml")
}
