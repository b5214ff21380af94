// Strata uses flags and a single config file for configuration.
// A config file is stored in .txtpb format and contains the values that can be set via flags, e.g.
//
//	data_dir: "/var/lib/strata"
//	memtable_flush_size_bytes: 4194304
//	log_level: "debug"

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

var configFilePath = flag.String("config_file", "config.txtpb", "Path to the configuration file.")

// LoadConfigFile applies every field set in the .txtpb file at `path` to its flag.
func LoadConfigFile(path string) error {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	conf, err := parseConfig(configBytes)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := setConfigFlags(conf); err != nil {
		return fmt.Errorf("failed to set flags from config file %s: %w", path, err)
	}
	return nil
}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
// Flags given on the command line are overridden by the config file.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}

	err := LoadConfigFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be applied, we use default flag values.
		slog.Error("Failed to load config file.", "error", err)
		return
	}
	slog.Info("Loaded config file.", "path", *configFilePath)
}
