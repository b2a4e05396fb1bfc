// The cache binaries use flags and a single config file for configuration.
// A config file is a JSON object whose leaf keys are flag names; nested objects only group related flags.
// Values from the config file are applied on top of the flag defaults, and flags given on the command line win.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var configFilePath = flag.String("config_file", "", "Path to the JSON configuration file.")

// LoadFile reads and decodes the config file at `path`.
func LoadFile(path string) (*structpb.Struct, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	conf := new(structpb.Struct)
	if err := protojson.Unmarshal(configBytes, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return conf, nil
}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}

	conf, err := LoadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be loaded, we skip loading and use default flag values.
		slog.Error("Failed to load config file.", "error", err)
		return
	}

	// Flags explicitly given on the command line take precedence over the config file.
	explicit := make(map[string]struct{})
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = struct{}{} })
	if err := setConfigFlags(conf, explicit); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
	slog.Info("Applied config file.", "path", *configFilePath)
}
