package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CatalogEntry seeds one module definition.
type CatalogEntry struct {
	Key        string `mapstructure:"key"`
	Name       string `mapstructure:"name"`
	Category   string `mapstructure:"category"`
	UnitAmount int64  `mapstructure:"unitAmount"`
}

// ReferenceEntry seeds one document type.
type ReferenceEntry struct {
	Code string `mapstructure:"code"`
	Name string `mapstructure:"name"`
}

type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type SweepConfig struct {
	BatchSize int `mapstructure:"batchSize"`
}

// EngineConfig is the hot-reloadable part of the configuration.
type EngineConfig struct {
	DefaultModules []string         `mapstructure:"defaultModules"`
	Catalog        []CatalogEntry   `mapstructure:"catalog"`
	ReferenceTypes []ReferenceEntry `mapstructure:"referenceTypes"`
	Batch          BatchConfig      `mapstructure:"batch"`
	Sweep          SweepConfig      `mapstructure:"sweep"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultModules: []string{"tender-search", "document-vault"},
		Catalog: []CatalogEntry{
			{Key: "tender-search", Name: "Tender Search", Category: "core", UnitAmount: 0},
			{Key: "document-vault", Name: "Document Vault", Category: "core", UnitAmount: 0},
			{Key: "ai-writer", Name: "AI Writer", Category: "ai", UnitAmount: 10000},
			{Key: "scraper", Name: "Portal Scraper", Category: "automation", UnitAmount: 5000},
		},
		ReferenceTypes: []ReferenceEntry{
			{Code: "quote", Name: "Quote"},
			{Code: "tender", Name: "Tender"},
		},
		Batch: BatchConfig{Concurrency: 8},
		Sweep: SweepConfig{BatchSize: 500},
	}
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder returns a holder that never reloads.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewEngineConfigHolder(appCfg Config, log *zap.Logger) (*EngineConfigHolder, error) {
	v := viper.New()

	if appCfg.EngineConfigPath != "" {
		v.SetConfigFile(appCfg.EngineConfigPath)
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/modulebilling")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MODULEBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.defaultModules", defaults.DefaultModules)
	v.SetDefault("engine.batch.concurrency", defaults.Batch.Concurrency)
	v.SetDefault("engine.sweep.batchSize", defaults.Sweep.BatchSize)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read engine config: %w", err)
		}
		fileLoaded = false
	}

	cfg, err := decodeEngineConfig(v)
	if err != nil {
		return nil, err
	}
	if !fileLoaded {
		cfg.Catalog = defaults.Catalog
		cfg.ReferenceTypes = defaults.ReferenceTypes
	}

	holder := NewStaticEngineConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	log = log.Named("engine.config")
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeEngineConfig(v)
		if err != nil {
			log.Warn("engine config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated.withDefaults())
		log.Info("engine config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

func decodeEngineConfig(v *viper.Viper) (EngineConfig, error) {
	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("decode engine config: %w", err)
	}
	if err := validateEngineConfig(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func validateEngineConfig(cfg EngineConfig) error {
	seen := make(map[string]struct{}, len(cfg.Catalog))
	for _, entry := range cfg.Catalog {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return errors.New("engine.catalog: key cannot be empty")
		}
		if entry.UnitAmount < 0 {
			return fmt.Errorf("engine.catalog: negative unitAmount for %q", key)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("engine.catalog: duplicate key %q", key)
		}
		seen[key] = struct{}{}
	}
	if cfg.Batch.Concurrency < 0 {
		return errors.New("engine.batch.concurrency cannot be negative")
	}
	return nil
}

func (c EngineConfig) withDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = defaults.Batch.Concurrency
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = defaults.Sweep.BatchSize
	}
	return c
}
