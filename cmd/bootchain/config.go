package main

import (
	"fmt"
	"os"
	"time"

	bootchain "github.com/tinyrange/bootchain"
	"gopkg.in/yaml.v3"
)

// machineConfig mirrors the flag set so a boot setup can live in a
// file. Explicit flags override anything loaded from here.
type machineConfig struct {
	MemoryMB    uint64   `yaml:"memory_mb"`
	Kernel      string   `yaml:"kernel"`
	Serial      string   `yaml:"serial"`
	Timeout     duration `yaml:"timeout"`
	RejectExits int      `yaml:"reject_exits"`
}

// duration accepts Go duration strings ("30s", "2m") in YAML fields.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

func (c machineConfig) withDefaults() machineConfig {
	if c.MemoryMB == 0 {
		c.MemoryMB = bootchain.DefaultMemoryMB
	}
	return c
}

func loadConfig(path string) (machineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return machineConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg machineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return machineConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg.withDefaults(), nil
}
