package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mastercactapus/atc/config"
	"github.com/mastercactapus/atc/pocket"
	"github.com/mastercactapus/atc/store"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ATC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "atc",
		Short:         "Automatic tool changer for grbl machines",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "atc.yaml", "Configuration file (YAML).")
	root.PersistentFlags().String("dir", "", "Data directory to use (overrides dataDir).")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error).")
	if err := v.BindPFlags(root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(newServeCmd(v), newPocketsCmd(v))
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

// loadConfig reads the config file and applies flag and ATC_* environment
// overrides.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if v.IsSet("dir") {
		cfg.DataDir = v.GetString("dir")
	}
	if v.IsSet("controller") {
		cfg.Controller.Type = v.GetString("controller")
	}
	if v.IsSet("port") {
		cfg.Controller.Port = v.GetString("port")
	}
	if v.IsSet("spjs") {
		cfg.Controller.SPJS = v.GetString("spjs")
	}
	if v.IsSet("addr") {
		cfg.Server.Addr = v.GetString("addr")
	}
	if err = cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openRegistry(cfg config.Config, log *zap.Logger) (*pocket.Registry, error) {
	st := store.NewFile(filepath.Join(cfg.DataDir, "pockets.json"))
	reg := pocket.New(cfg.Pockets, st, pocket.WithLogger(log))
	clean, err := reg.Load()
	if err != nil {
		return nil, fmt.Errorf("load pockets: %w", err)
	}
	if !clean {
		log.Warn("pocket table reset to defaults", zap.String("path", st.Path()))
	}
	return reg, nil
}
