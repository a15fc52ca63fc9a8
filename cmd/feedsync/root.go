package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"feedsync/pkg/config"
	"feedsync/pkg/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "feedsync",
		Short: "Shared chat feed client backed by a local store",
		Long: `feedsync keeps a room's feed, presence and typing state in sync
for one user, on top of a local pebble store shared by every session.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "feedsync.yaml", "config file path")
	pf.String("db", "", "store directory")
	pf.String("room", "", "room name")
	pf.String("user", "", "user id to act as")
	pf.BoolP("verbose", "v", false, "log at the configured level instead of warn")

	root.AddCommand(newRunCmd(), newSendCmd(), newHistoryCmd(), newInspectCmd())
	return root
}

// loadEffective resolves flags, the config file and the environment into
// a validated config and initializes the logger. Commands other than run
// log warnings only unless --verbose is given.
func loadEffective(cmd *cobra.Command, quiet bool) (config.EffectiveConfigResult, error) {
	fl := cmd.Flags()
	flags := config.Flags{Set: map[string]bool{}}
	flags.Config, _ = fl.GetString("config")
	flags.DB, _ = fl.GetString("db")
	flags.Room, _ = fl.GetString("room")
	flags.User, _ = fl.GetString("user")
	for _, name := range []string{"config", "db", "room", "user"} {
		flags.Set[name] = fl.Changed(name)
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		return config.EffectiveConfigResult{}, fmt.Errorf("failed to load config file: %w", err)
	}
	envCfg, envRes := config.ParseConfigEnvs()
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		return eff, fmt.Errorf("failed to build effective config: %w", err)
	}
	if err := config.ValidateConfig(eff); err != nil {
		return eff, fmt.Errorf("invalid configuration: %w", err)
	}

	level := eff.Config.Logging.Level
	if verbose, _ := fl.GetBool("verbose"); quiet && !verbose {
		level = "warn"
	}
	logger.Init(level, "")
	logger.Debug("effective_config_loaded", "source", eff.Source, "store", eff.Config.Store.Path, "room", eff.Config.Feed.Room)
	return eff, nil
}
