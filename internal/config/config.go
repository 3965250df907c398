// Package config reads the client settings from defaults, an optional
// settings file, a .env file and OLLAMACHAT_* environment variables, and
// keeps them current when the settings file changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "ollamachat"

const (
	KeyModel        = "ollama_model"
	KeyServerURL    = "ollama_url"
	KeyDBPath       = "db_path"
	KeyAddr         = "addr"
	KeyStream       = "stream"
	KeyTitleTimeout = "title_timeout"
	KeyBusBuffer    = "bus_buffer"
)

type Settings struct {
	Model        string
	ServerURL    string
	DBPath       string
	Addr         string
	Stream       bool
	TitleTimeout time.Duration
	BusBuffer    int
}

type Config struct {
	v        *viper.Viper
	logger   *zap.Logger
	current  atomic.Pointer[Settings]
	onChange func(Settings)
}

func New(logger *zap.Logger) *Config {
	v := viper.New()
	v.SetDefault(KeyModel, "llama3.2")
	v.SetDefault(KeyServerURL, "http://localhost:11434")
	v.SetDefault(KeyDBPath, "chat_history.db")
	v.SetDefault(KeyAddr, ":8100")
	v.SetDefault(KeyStream, true)
	v.SetDefault(KeyTitleTimeout, 30*time.Second)
	v.SetDefault(KeyBusBuffer, 64)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	c := &Config{v: v, logger: logger}
	c.refresh()
	return c
}

// Viper exposes the underlying instance so command-line flags can be bound
// to the same keys.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// Load reads .env and, when path is set, the settings file. A missing file
// of either kind is not an error.
func (c *Config) Load(path string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		c.v.SetConfigFile(path)
		if err := c.v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to read settings file: %w", err)
			}
			c.logger.Info("Settings file not found, using defaults", zap.String("path", path))
		}
	}

	c.refresh()
	return nil
}

// Watch reloads the settings file whenever it changes on disk and calls fn
// with the new settings.
func (c *Config) Watch(fn func(Settings)) {
	if c.v.ConfigFileUsed() == "" {
		return
	}
	c.onChange = fn
	c.v.OnConfigChange(c.handleChange)
	c.v.WatchConfig()
}

func (c *Config) handleChange(e fsnotify.Event) {
	s := c.refresh()
	c.logger.Info("Settings reloaded",
		zap.String("file", e.Name),
		zap.String("model", s.Model),
		zap.String("url", s.ServerURL),
	)
	if c.onChange != nil {
		c.onChange(s)
	}
}

// Settings returns the latest settings. It is safe to call concurrently
// with a reload.
func (c *Config) Settings() Settings {
	return *c.current.Load()
}

func (c *Config) refresh() Settings {
	s := Settings{
		Model:        c.v.GetString(KeyModel),
		ServerURL:    c.v.GetString(KeyServerURL),
		DBPath:       c.v.GetString(KeyDBPath),
		Addr:         c.v.GetString(KeyAddr),
		Stream:       c.v.GetBool(KeyStream),
		TitleTimeout: c.v.GetDuration(KeyTitleTimeout),
		BusBuffer:    c.v.GetInt(KeyBusBuffer),
	}
	c.current.Store(&s)
	return s
}
