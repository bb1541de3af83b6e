// Package config loads the immutable configuration value every
// otaclient component is constructed with. There is no global mutable
// config singleton: callers load a Config once and pass it explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BootloaderFamily selects which sealed boot-adapter variant
// pkg/bootctrl resolves at startup.
type BootloaderFamily string

const (
	BootloaderGrub     BootloaderFamily = "grub"
	BootloaderExtlinux  BootloaderFamily = "extlinux"
)

// SlotConfig describes one of the two interchangeable A/B slots.
type SlotConfig struct {
	SlotID       string `yaml:"slot_id"`
	BlockDevice  string `yaml:"block_device"`
	MountPoint   string `yaml:"mount_point"`
	OTAStatusDir string `yaml:"ota_status_dir"`
}

// ID, Device and Mount satisfy bootctrl.SlotConfigLike so
// pkg/bootctrl can discover on-disk slot identity without importing
// pkg/config and creating a dependency cycle.
func (s SlotConfig) ID() string     { return s.SlotID }
func (s SlotConfig) Device() string { return s.BlockDevice }
func (s SlotConfig) Mount() string  { return s.MountPoint }

// Config is the immutable, explicitly-passed configuration value for
// an otaclient process.
type Config struct {
	Slots          []SlotConfig     `yaml:"slots"`
	BootDir        string           `yaml:"boot_dir"`
	Bootloader     BootloaderFamily `yaml:"bootloader"`
	TempPoolDir    string           `yaml:"temp_pool_dir"`
	ProxyURL       string           `yaml:"proxy_url"`
	MetaCacheDB    string           `yaml:"meta_cache_db"`

	MaxConcurrentTasks     int           `yaml:"max_concurrent_tasks"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	MaxRetry               int           `yaml:"max_retry"`
	BackoffFactor          time.Duration `yaml:"backoff_factor"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
	CollectInterval         time.Duration `yaml:"collect_interval"`
	FSMWaitTimeout          time.Duration `yaml:"fsm_wait_timeout"`
}

// Default returns a Config populated with the defaults named in the
// component designs (max_concurrent_tasks=8, max_concurrent_downloads=4,
// collect_interval≈500ms).
func Default() Config {
	return Config{
		BootDir:                "/boot",
		Bootloader:             BootloaderGrub,
		TempPoolDir:            "/var/tmp/ota-tmp",
		MetaCacheDB:            "/var/lib/otaclient/metacache.db",
		MaxConcurrentTasks:     8,
		MaxConcurrentDownloads: 4,
		MaxRetry:               5,
		BackoffFactor:          1 * time.Second,
		BackoffMax:             30 * time.Second,
		CollectInterval:        500 * time.Millisecond,
		FSMWaitTimeout:         10 * time.Minute,
	}
}

// Load reads a YAML configuration file and merges it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SlotByID returns the slot descriptor matching id.
func (c Config) SlotByID(id string) (SlotConfig, bool) {
	for _, s := range c.Slots {
		if s.SlotID == id {
			return s, true
		}
	}
	return SlotConfig{}, false
}

// OtherSlot returns the descriptor of the slot that is not id. Exactly
// two slots are expected to be configured.
func (c Config) OtherSlot(id string) (SlotConfig, error) {
	for _, s := range c.Slots {
		if s.SlotID != id {
			return s, nil
		}
	}
	return SlotConfig{}, fmt.Errorf("no other slot configured besides %q", id)
}
