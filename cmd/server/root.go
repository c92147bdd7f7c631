package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/observability"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// NewRootCommand builds a fresh command tree so flags never leak between runs.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "browserpool",
		Short:         "A pooled headless-browser automation service.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is normal outside development
			_ = godotenv.Load()
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML); defaults and BROWSERPOOL_* env apply without one")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCommand(&cfgFile), newInstallCommand(&cfgFile))
	return root
}

func newInstallCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download the Playwright driver and Chromium.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			observability.InitializeLogger(cfg.Logger)
			defer observability.Sync()

			logger := observability.GetLogger()
			logger.Info("Installing Playwright browsers...")
			if err := browser.Install(); err != nil {
				return err
			}
			logger.Info("Playwright browsers installed.", zap.String("browser", "chromium"))
			return nil
		},
	}
}
