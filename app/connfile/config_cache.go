package connfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lysyi3m/tumblhook/app/connections"
	"github.com/lysyi3m/tumblhook/app/discord"
)

const extension = ".yml"

// ConfigCache holds the connection files found in one directory.
type ConfigCache struct {
	dir   string
	cache map[string]*Config
	mu    sync.RWMutex
}

func NewConfigCache(dir string) *ConfigCache {
	return &ConfigCache{
		dir:   dir,
		cache: make(map[string]*Config),
	}
}

func (cc *ConfigCache) Dir() string {
	return cc.dir
}

// Run loads every connection file. A missing directory is not an error.
func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.dir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.dir, "*"+extension))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		name := configName(file)

		config, err := cc.LoadConfig(name)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Connection file loaded", "config", name, "blog", config.Blog, "enabled", config.IsEnabled())
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(name string) (*Config, error) {
	configFile := cc.getConfigFilePath(name)
	config, err := cc.parseConfig(configFile)
	if err != nil {
		return nil, err
	}

	config.Name = name

	if err := cc.validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid connection file %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Name] = config

	return config, nil
}

func (cc *ConfigCache) GetConfig(name string) (*Config, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	config, ok := cc.cache[name]
	if !ok {
		return nil, fmt.Errorf("connection file '%s' not found", name)
	}
	return config, nil
}

// GetConfigs returns the loaded files ordered by name.
func (cc *ConfigCache) GetConfigs() []*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configs := make([]*Config, 0, len(cc.cache))
	for _, config := range cc.cache {
		configs = append(configs, config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func (cc *ConfigCache) Has(name string) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	_, ok := cc.cache[name]
	return ok
}

func (cc *ConfigCache) Remove(name string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.cache, name)
}

func (cc *ConfigCache) parseConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.Webhook = strings.TrimSpace(config.Webhook)
	config.DisplayName = strings.TrimSpace(config.DisplayName)

	return &config, nil
}

func (cc *ConfigCache) validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	requiredFields := map[string]string{
		"config name": config.Name,
		"blog":        config.Blog,
		"webhook":     config.Webhook,
	}

	for fieldName, fieldValue := range requiredFields {
		if strings.TrimSpace(fieldValue) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
	}

	handle, err := connections.NormalizeHandle(config.Blog)
	if err != nil {
		return fmt.Errorf("blog: %w", err)
	}
	config.Blog = handle

	if err := discord.ValidateWebhookURL(config.Webhook); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	kinds, err := connections.ValidateKinds(config.Kinds)
	if err != nil {
		return fmt.Errorf("kinds: %w", err)
	}
	config.Kinds = kinds

	return nil
}

func (cc *ConfigCache) getConfigFilePath(name string) string {
	return filepath.Join(cc.dir, name+extension)
}

func configName(file string) string {
	return strings.TrimSuffix(filepath.Base(file), extension)
}
