package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/blocksync/errors"
)

// ConfigFileName is the project and user config file name.
const ConfigFileName = "blocksync.toml"

// EnvPrefix prefixes every environment override, e.g. BLOCKSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "BLOCKSYNC"

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	// ConfigSources maps each key set by a file to that file, filled on load.
	ConfigSources = map[string]SourceInfo{}
	// activeFile is the highest-precedence file that was merged.
	activeFile string
)

// SystemConfigPath is the lowest-precedence config file.
var SystemConfigPath = "/etc/blocksync/" + ConfigFileName

// Load reads the blocksync configuration using Viper
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViperLocked()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
	activeFile = ""
}

// ActiveConfigFile returns the highest-precedence config file in use, or ""
func ActiveConfigFile() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	return activeFile
}

func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	// Merge files in precedence order: system -> user -> project; env vars win over all
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// UserConfigDir returns ~/.blocksync
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".blocksync")
}

// FindProjectConfig searches for blocksync.toml by walking up from the working directory
func FindProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

type configFile struct {
	path   string
	source ConfigSource
}

// configPaths lists the candidate files, lowest precedence first.
func configPaths() []configFile {
	paths := []configFile{{SystemConfigPath, SourceSystem}}
	if dir := UserConfigDir(); dir != "" {
		paths = append(paths, configFile{filepath.Join(dir, ConfigFileName), SourceUser})
	}
	if project := FindProjectConfig(); project != "" {
		paths = append(paths, configFile{project, SourceProject})
	}
	return paths
}

func mergeConfigFiles(v *viper.Viper) {
	for _, candidate := range configPaths() {
		if _, err := os.Stat(candidate.path); err != nil {
			continue
		}
		fileViper := viper.New()
		fileViper.SetConfigFile(candidate.path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(fileViper.AllSettings()); err != nil {
			continue
		}
		for _, key := range fileViper.AllKeys() {
			ConfigSources[key] = SourceInfo{Source: candidate.source, Path: candidate.path}
		}
		activeFile = candidate.path
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}
