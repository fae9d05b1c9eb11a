package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "flowd.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/flowd"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
	// EnvConfigPath names an explicit config file, overriding discovery.
	EnvConfigPath = "FLOWD_CONFIG"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/flowd/config.yaml)
// 3. Project config (flowd.yaml in current or parent directories)
// An explicit path (argument or FLOWD_CONFIG) replaces layers 2 and 3 and
// must exist.
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		file, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		l.logger.Debug("Loaded config", slog.String("path", path))
		config.Merge(file)
	} else {
		userConfigPath := l.userConfigPath()
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}

		projectConfigPath := l.findProjectConfig()
		if projectConfigPath != "" {
			if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
				l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
				config.Merge(projectConfig)
			} else {
				l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
			}
		} else {
			l.logger.Debug("No project config found")
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't
// exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file.
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for flowd.yaml in current and parent
// directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
