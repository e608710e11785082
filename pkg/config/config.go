package config

import (
	"fmt"
	"io"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "deet"
	configDirHidden string = ".deet"
	configFile      string = "config.yml"
	historyFile     string = ".deet_history"

	// DefaultMaxStackDepth bounds the number of frames a backtrace walks
	// when the configuration does not specify one.
	DefaultMaxStackDepth = 1024
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// EntryFunction is the function at which backtraces stop unwinding.
	// When empty the symbol table picks "main", or "main.main" for Go
	// programs.
	EntryFunction string `yaml:"entry-function,omitempty"`

	// MaxStackDepth is the maximum number of frames printed by backtrace.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// DisableASLR launches targets with address space randomization turned
	// off so that breakpoint addresses are stable between runs.
	DisableASLR bool `yaml:"disable-aslr"`

	// HistorySize is the number of commands kept in the history file.
	HistorySize int `yaml:"history-size,omitempty"`

	// Source list line-number color (3/4 bit color codes as defined
	// here: https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	SourceListLineColor int `yaml:"source-list-line-color"`
}

// StackDepth returns the configured maximum stack depth or the default.
func (c *Config) StackDepth() int {
	if c == nil || c.MaxStackDepth == nil || *c.MaxStackDepth <= 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for the deet debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Function at which backtraces stop. Defaults to "main" (or "main.main" for
# Go programs).
# entry-function: main

# Maximum number of frames printed by the backtrace command.
# max-stack-depth: 1024

# Uncomment the following line to launch targets with ASLR disabled.
# disable-aslr: true

# Number of commands kept in the history file.
# history-size: 1000

# Uncomment the following line and set your preferred ANSI foreground color
# for source locations (if unset, default is 34, dark blue) See
# https://en.wikipedia.org/wiki/ANSI_escape_code#3/4_bit
# source-list-line-color: 34
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// $XDG_CONFIG_HOME/deet is used when XDG_CONFIG_HOME is set, ~/.deet
// otherwise.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}

// GetHistoryFilePath returns the path of the command history file.
func GetHistoryFilePath() (string, error) {
	return GetConfigFilePath(historyFile)
}
