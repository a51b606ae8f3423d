package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// LoggingConfig is read from the YAML file named by logger_conf.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

func DefaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info"}
}

// LoadLogging reads the logging file. A missing file yields the defaults.
func LoadLogging(path string) (LoggingConfig, error) {
	cfg := DefaultLogging()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	if lvl := os.Getenv("VDSM_REG_LOG_LEVEL"); lvl != "" {
		cfg.Level = lvl
	}
	return cfg, nil
}
