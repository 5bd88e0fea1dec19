// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/internal/config"
	"github.com/xkilldash9x/pdpwatch/internal/observability"
)

// rootOptions carries state resolved once per invocation.
type rootOptions struct {
	cfgFile  string
	logLevel string
	cfg      *config.Config
}

// NewRootCommand builds a fresh command tree. Each call returns independent
// flag state.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "pdpwatch",
		Short:         "pdpwatch monitors storefront product pages for conversion-breaking problems.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Version and help need no configuration.
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return opts.load(cmd)
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "pdpwatch version %s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newScanCmd(opts),
		newServeCmd(opts),
		newIssuesCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed.", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// load reads the config file, environment and flags, then initializes logging.
func (o *rootOptions) load(cmd *cobra.Command) error {
	v := viper.New()
	config.SetDefaults(v)

	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("PDPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil {
		if err := v.BindPFlag("logger.level", f); err != nil {
			return err
		}
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pdpwatch"})
		return err
	}
	observability.InitializeLogger(cfg.Logger())
	observability.GetLogger().Debug("Configuration loaded.",
		zap.String("command", cmd.Name()),
		zap.String("environment", cfg.Environment()),
		zap.String("config_file", v.ConfigFileUsed()),
	)

	o.cfg = cfg
	return nil
}
