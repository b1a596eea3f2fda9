package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/config"
	"github.com/ssd-technologies/creamas/internal/observability"
	"github.com/ssd-technologies/creamas/internal/rpc"
)

// Version is set at build time.
var Version = "dev"

// app carries what every subcommand needs once the root pre-run has loaded
// the configuration.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "creamas",
		Short:         "Creamas runs societies of creative agents across processes and machines.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./creamas.yaml)")
	flags.String("host", "", "host the manager binds to")
	flags.Int("port", 0, "port the manager binds to")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	mustBind(a.v, "node.host", flags.Lookup("host"))
	mustBind(a.v, "node.port", flags.Lookup("port"))
	mustBind(a.v, "logger.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(newNodeCmd(a), newRunCmd(a), newDistCmd(a))
	return rootCmd, a
}

// Execute runs the command line until ctx is cancelled or the command
// returns.
func Execute(ctx context.Context) error {
	rootCmd, _ := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		observability.GetLogger().Error("command failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

// initialize reads the config file and CREAMAS_* variables and starts the
// global logger.
func (a *app) initialize() error {
	config.SetDefaults(a.v)
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("creamas")
		a.v.SetConfigType("yaml")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "creamas"})
		return err
	}
	observability.InitializeLogger(cfg.Logger)
	a.cfg = cfg
	a.logger = observability.GetLogger()
	a.logger.Debug("configuration loaded", zap.String("file", a.v.ConfigFileUsed()), zap.String("version", Version))
	return nil
}

func (a *app) serverConfig() rpc.ServerConfig {
	return rpc.ServerConfig{
		ReadLimit:  a.cfg.RPC.ReadLimit,
		RateLimit:  a.cfg.RPC.RateLimit,
		RateWindow: a.cfg.RPC.RateWindow,
	}
}

func (a *app) clientConfig() rpc.ClientConfig {
	return rpc.ClientConfig{
		ConnectTimeout: a.cfg.RPC.ConnectTimeout,
		CallTimeout:    a.cfg.RPC.CallTimeout,
		ReadLimit:      a.cfg.RPC.ReadLimit,
	}
}

// childArgs returns the arguments a launched child runs with, passing the
// config file along so that children share the parent's settings.
func (a *app) childArgs(args ...string) []string {
	if a.cfgFile != "" {
		args = append(args, "--config", a.cfgFile)
	}
	return args
}

// mustBind ties a config key to a flag. Lookup failures are programming
// errors.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}
