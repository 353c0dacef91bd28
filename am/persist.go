package am

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
)

// backupCount is how many .backN files Save keeps.
const backupCount = 3

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	// .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	oldest := backupPath(configPath, backupCount)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", oldest, logger.FieldError, err)
	}
	for n := backupCount - 1; n >= 1; n-- {
		from := backupPath(configPath, n)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, backupPath(configPath, n+1)); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", from)
			}
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(backupPath(configPath, 1), content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

func backupPath(configPath string, n int) string {
	return configPath + ".back" + strconv.Itoa(n)
}

// DefaultSavePath is where Save writes when no project file exists.
func DefaultSavePath() string {
	if project := FindProjectConfig(); project != "" {
		return project
	}
	if dir := UserConfigDir(); dir != "" {
		return filepath.Join(dir, ConfigFileName)
	}
	return ConfigFileName
}

// Marshal renders cfg as TOML. The remote token is left out.
func Marshal(cfg *Config) ([]byte, error) {
	c := *cfg
	c.Remote.Token = ""
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Save writes cfg to path as TOML, rotating backups of the previous file.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid config")
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return writeConfig(path, data)
}

// SetValue updates one dotted key in the TOML file at path, keeping every
// other setting the file holds. The result must still validate.
func SetValue(path, key string, value interface{}) error {
	doc := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return errors.Wrapf(err, "failed to parse %s", path)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read %s", path)
	}

	parts := strings.Split(key, ".")
	section := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := section[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			section[part] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = value

	data, err := toml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if _, err := loadBytes(data); err != nil {
		return err
	}
	return writeConfig(path, data)
}

// loadBytes parses data over the defaults and validates the result.
func loadBytes(data []byte) (*Config, error) {
	tmp, err := os.CreateTemp("", "blocksync-*.toml")
	if err != nil {
		return nil, errors.Wrap(err, "failed to stage config")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "failed to stage config")
	}
	tmp.Close()

	cfg, err := LoadFromFile(tmp.Name())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config would be invalid")
	}
	return cfg, nil
}

func writeConfig(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
