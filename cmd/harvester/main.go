package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mediacrawler/harvester/internal/log"
	"github.com/mediacrawler/harvester/internal/model"
)

const configEnv = "HARVESTERCONFIG"

var (
	userConfigPath string // /default/config/path/harvester on given OS
	configPath     string // actual config file used
	config         *model.Config

	flagConfigFilePath string
	flagVerbose        bool
	flagEnvFile        string
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = os.TempDir()
	}
	userConfigPath = filepath.Join(d, "harvester")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is harvester.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file loaded before the configuration")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initHarvester

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cookiesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		slog.Error("harvester failed", "err", err)
		os.Exit(1)
	}
}

// exitError ends the process with a code and no log line.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

var rootCmd = &cobra.Command{
	Use:          "harvester",
	Short:        "Runs social media crawler jobs and manages their logins",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of harvester",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(w, "harvester: version info not available")
			return
		}
		if configPath != "" {
			fmt.Fprintf(w, "config:    %s\n", configPath)
		}
		fmt.Fprintf(w, "harvester: %s\n", info.Main.Version)
		fmt.Fprintf(w, "go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(w, "commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(w, "date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(w, "dirty:     %s\n", s.Value)
			}
		}
	},
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return "(devel)"
}

func initHarvester(cmd *cobra.Command, _ []string) error {
	// a missing .env is fine
	if err := godotenv.Load(flagEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", flagEnvFile, err)
	}

	switch envConfig, ok := os.LookupEnv(configEnv); {
	case ok:
		configPath = envConfig
	case flagConfigFilePath != "":
		configPath = flagConfigFilePath
	default:
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "harvester.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "harvester.yaml")
		if err := storeDefault(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			var cerr *model.ConfigError
			if errors.As(err, &cerr) {
				slog.Error("invalid configuration", cerr.Attrs()...)
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.NewWriter(logWriter(cmd, config.Service.Log), config.Service.Verbose))

	slog.Debug("harvester start", "configPath", configPath)
	slog.Debug("harvester start", "config", config)
	return nil
}

func logWriter(cmd *cobra.Command, dest string) io.Writer {
	switch dest {
	case model.LogStdout:
		return cmd.OutOrStdout()
	case model.LogDiscard:
		return io.Discard
	}
	return cmd.ErrOrStderr()
}

func storeDefault(path string, cfg *model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
