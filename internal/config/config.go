package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/ocidisk/internal/errors"
)

const (
	DefaultBaseDir             = "data"
	DefaultRegistry            = "index.docker.io"
	DefaultReserve             = "20MiB"
	DefaultDownloadConcurrency = 4
	DefaultBootloaderLabel     = "vm.bootloader"

	stateFileName = "state.json"
	layersDirName = "layers_compressed"
	imagesDirName = "images"
	debugLogName  = "debug.log"

	minReserveBytes = 1024 * 1024
)

// RegistryAuth holds credentials for a single registry
type RegistryAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// Config is built once from command-line input and passed to every component
type Config struct {
	BasePath string `yaml:"-"`
	Debug    bool   `yaml:"debug"`

	DefaultRegistry     string                  `yaml:"default_registry"`
	Registries          map[string]RegistryAuth `yaml:"registries"`
	InsecureRegistries  []string                `yaml:"insecure_registries"`
	FilesystemReserve   string                  `yaml:"filesystem_reserve"`
	DownloadConcurrency int                     `yaml:"download_concurrency"`
	BootloaderLabel     string                  `yaml:"bootloader_label"`
}

// Default returns a configuration rooted at basePath with built-in defaults
func Default(basePath string) *Config {
	return &Config{
		BasePath:            basePath,
		DefaultRegistry:     DefaultRegistry,
		Registries:          make(map[string]RegistryAuth),
		FilesystemReserve:   DefaultReserve,
		DownloadConcurrency: DefaultDownloadConcurrency,
		BootloaderLabel:     DefaultBootloaderLabel,
	}
}

// DefaultBasePath returns ./data relative to the working directory
func DefaultBasePath() string {
	wd, err := os.Getwd()
	if err != nil {
		return DefaultBaseDir
	}
	return filepath.Join(wd, DefaultBaseDir)
}

// Load builds the configuration for basePath. Values from the YAML file at
// configPath (or <basePath>/config.yaml when configPath is empty) override
// defaults, and OCIDISK_* environment variables override the file.
func Load(basePath, configPath string) (*Config, error) {
	cfg := Default(basePath)

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(basePath, "config.yaml")
	}

	if err := cfg.loadFile(configPath, explicit); err != nil {
		return nil, err
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && !required {
		return nil
	}
	if err != nil {
		return errors.NewIOError("load_config", fmt.Sprintf("failed to read config file %s", path), err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewErrorBuilder().
			Category(errors.ErrorCategoryInput).
			Kind(errors.KindInvalidConfig).
			Operation("load_config").
			Messagef("failed to parse config file %s", path).
			Cause(err).
			Build()
	}
	if c.Registries == nil {
		c.Registries = make(map[string]RegistryAuth)
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("OCIDISK_DEFAULT_REGISTRY"); v != "" {
		c.DefaultRegistry = v
	}
	if v := os.Getenv("OCIDISK_INSECURE_REGISTRIES"); v != "" {
		c.InsecureRegistries = strings.Split(v, ",")
	}
	if v := os.Getenv("OCIDISK_FILESYSTEM_RESERVE"); v != "" {
		c.FilesystemReserve = v
	}
	if v := os.Getenv("OCIDISK_DOWNLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DownloadConcurrency = n
		}
	}
	if v := os.Getenv("OCIDISK_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = c.Debug || b
		}
	}
}

// Validate checks that every setting is usable
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return invalid("base path must not be empty")
	}
	if c.DefaultRegistry == "" {
		return invalid("default registry must not be empty")
	}
	if c.DownloadConcurrency < 1 {
		return invalid(fmt.Sprintf("download concurrency must be positive, got %d", c.DownloadConcurrency))
	}
	if c.BootloaderLabel == "" {
		return invalid("bootloader label must not be empty")
	}
	if _, err := c.ReserveBytes(); err != nil {
		return err
	}
	return nil
}

func invalid(message string) error {
	return errors.NewInputError(errors.KindInvalidConfig, "validate_config", message)
}

// ReserveBytes parses the filesystem reserve added on top of twice the
// staged content size
func (c *Config) ReserveBytes() (int64, error) {
	reserve, err := units.RAMInBytes(c.FilesystemReserve)
	if err != nil {
		return 0, invalid(fmt.Sprintf("invalid filesystem reserve %q: %v", c.FilesystemReserve, err))
	}
	if reserve < minReserveBytes {
		return 0, invalid(fmt.Sprintf("filesystem reserve %s is below the 1MiB partition alignment", units.BytesSize(float64(reserve))))
	}
	return reserve, nil
}

// IsInsecure reports whether registry should be reached over plain HTTP
func (c *Config) IsInsecure(registry string) bool {
	for _, r := range c.InsecureRegistries {
		if strings.TrimSpace(r) == registry {
			return true
		}
	}
	return false
}

func (c *Config) StatePath() string {
	return filepath.Join(c.BasePath, stateFileName)
}

func (c *Config) LayersDir() string {
	return filepath.Join(c.BasePath, layersDirName)
}

func (c *Config) ImagesDir() string {
	return filepath.Join(c.BasePath, imagesDirName)
}

func (c *Config) DebugLogPath() string {
	return filepath.Join(c.BasePath, debugLogName)
}

// ImagePath is the default destination of a built disk image
func (c *Config) ImagePath(digest string) string {
	return filepath.Join(c.ImagesDir(), digest+".img")
}
