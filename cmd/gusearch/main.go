package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/pkg"
)

const envPrefix = "GUSEARCH"

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "gusearch",
		Short: "A Chord ring with a sharded inverted index",
		Long: `Gusearch runs one member of a Chord ring over UDP. Members publish
document metadata, the index terms are spread across the ring by hash and
conjunctive searches are answered by walking the owners of each term.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this rotated file")
	rootCmd.PersistentFlags().String("auth-token", "", "Token required by the operator APIs")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initViper(v, cmd)
	}

	rootCmd.AddCommand(newRunCommand(v), newCtlCommand(v))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initViper layers flags over GUSEARCH_* environment over the config file.
func initViper(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	bind := map[string]string{
		config.KeyLogLevel:  "log-level",
		config.KeyLogFormat: "log-format",
		config.KeyLogFile:   "log-file",
		config.KeyAuthToken: "auth-token",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return nil
}

// newLogger builds the process logger from the node config.
func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	logCfg := pkg.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logCfg.Fields = pkg.Fields{"node": cfg.NodeNum}
	logCfg.AsyncWrite = true
	if cfg.LogFile != "" {
		logCfg.File.Enable = true
		logCfg.File.Path = cfg.LogFile
	}
	return pkg.New(logCfg)
}
