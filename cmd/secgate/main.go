package main

import (
	"fmt"
	"os"
	"strings"

	"secgate/gateway/internal/config"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "secgate",
	Short:         "Request security gateway",
	Long:          "secgate authenticates every inbound API call, enforces rate limits and source reputation, and checks roles before a request reaches business logic.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional
		_ = godotenv.Load()

		path := resolveConfigPath()
		c, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		cfg = c
		configPath = path
		setupLogging(c.Logging.Level)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("secgate failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (overrides SECGATE_CONFIG env var)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkConfigCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(unblockCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(intelCmd())
}

// resolveConfigPath: flag > env var > ./config.yaml > ./config.example.yaml
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("SECGATE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml"
	}
	return "./config.example.yaml"
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if lvl == zerolog.DebugLevel {
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
