/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config assembles the settings every component is constructed with.
// Values come from built-in defaults, then an optional YAML file, then
// RASPBY_* environment variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LadySerena/raspby-hub/logging"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFile = "raspby.yaml"
	FileFlag    = "config"
	envPrefix   = "RASPBY_"

	PartitionerGPT   = "gpt"
	PartitionerFdisk = "fdisk"
)

type Flavor struct {
	IndexURL string `yaml:"index_url"`
	// Prefix is the directory name stem in the index, e.g. raspios_lite_armhf.
	Prefix string `yaml:"prefix"`
	// Suffix follows the date in the archive name, e.g. raspios-bookworm-armhf-lite.img.xz.
	Suffix string `yaml:"suffix"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

type CacheConfig struct {
	Dir string `yaml:"dir"`
}

type ImageConfig struct {
	Flavor         string            `yaml:"flavor"`
	Flavors        map[string]Flavor `yaml:"flavors"`
	VerifyChecksum bool              `yaml:"verify_checksum"`
}

type FlashConfig struct {
	BlockSize datasize.ByteSize `yaml:"block_size"`
}

type FormatConfig struct {
	Filesystem  string `yaml:"filesystem"`
	MountPath   string `yaml:"mount_path"`
	Partitioner string `yaml:"partitioner"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

type StorageConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

type SystemConfig struct {
	SysfsRoot  string `yaml:"sysfs_root"`
	MountsPath string `yaml:"mounts_path"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Cache     CacheConfig     `yaml:"cache"`
	Image     ImageConfig     `yaml:"image"`
	Flash     FlashConfig     `yaml:"flash"`
	Format    FormatConfig    `yaml:"format"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	System    SystemConfig    `yaml:"system"`
}

func DefaultFlavors() map[string]Flavor {
	return map[string]Flavor{
		"lite": {
			IndexURL: "https://downloads.raspberrypi.com/raspios_lite_armhf/images/",
			Prefix:   "raspios_lite_armhf",
			Suffix:   "raspios-bookworm-armhf-lite.img.xz",
		},
		"full": {
			IndexURL: "https://downloads.raspberrypi.com/raspios_full_armhf/images/",
			Prefix:   "raspios_full_armhf",
			Suffix:   "raspios-bookworm-armhf-full.img.xz",
		},
		"desktop": {
			IndexURL: "https://downloads.raspberrypi.com/raspios_armhf/images/",
			Prefix:   "raspios_armhf",
			Suffix:   "raspios-bookworm-armhf.img.xz",
		},
	}
}

func Default() Config {
	return Config{
		Log:    LogConfig{Level: "INFO"},
		Cache:  CacheConfig{Dir: "./cache"},
		Image:  ImageConfig{Flavor: "lite", Flavors: DefaultFlavors(), VerifyChecksum: true},
		Flash:  FlashConfig{BlockSize: 4 * datasize.MB},
		Format: FormatConfig{Filesystem: "ext4", Partitioner: PartitionerFdisk},
		HTTP:   HTTPConfig{Timeout: 30 * time.Minute},
		System: SystemConfig{SysfsRoot: "/sys", MountsPath: "/proc/mounts"},
	}
}

// setters maps a dotted key to the code that assigns it. The environment
// variable and the flag for a key are both derived from its name.
var setters = map[string]func(*Config, string) error{
	"log.level":                 func(c *Config, v string) error { c.Log.Level = v; return nil },
	"log.file_path":             func(c *Config, v string) error { c.Log.FilePath = v; return nil },
	"cache.dir":                 func(c *Config, v string) error { c.Cache.Dir = v; return nil },
	"image.flavor":              func(c *Config, v string) error { c.Image.Flavor = v; return nil },
	"image.verify_checksum":     setBool(func(c *Config) *bool { return &c.Image.VerifyChecksum }),
	"flash.block_size":          setBlockSize,
	"format.filesystem":         func(c *Config, v string) error { c.Format.Filesystem = v; return nil },
	"format.mount_path":         func(c *Config, v string) error { c.Format.MountPath = v; return nil },
	"format.partitioner":        func(c *Config, v string) error { c.Format.Partitioner = v; return nil },
	"http.timeout":              setTimeout,
	"telemetry.jaeger_endpoint": func(c *Config, v string) error { c.Telemetry.JaegerEndpoint = v; return nil },
	"storage.credentials_file":  func(c *Config, v string) error { c.Storage.CredentialsFile = v; return nil },
	"system.sysfs_root":         func(c *Config, v string) error { c.System.SysfsRoot = v; return nil },
	"system.mounts_path":        func(c *Config, v string) error { c.System.MountsPath = v; return nil },
}

func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = parsed
		return nil
	}
}

func setBlockSize(c *Config, v string) error {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(v)); err != nil {
		return err
	}
	c.Flash.BlockSize = size
	return nil
}

func setTimeout(c *Config, v string) error {
	timeout, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	c.HTTP.Timeout = timeout
	return nil
}

func EnvName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func FlagName(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, ".", "-"), "_", "-")
}

func keys() []string {
	names := make([]string, 0, len(setters))
	for key := range setters {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// Load reads path from fileSystem when it exists, then applies the environment
// looked up through lookupEnv. A missing file is not an error.
func Load(fileSystem afero.Fs, path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()

	raw, readErr := afero.ReadFile(fileSystem, path)
	switch {
	case readErr == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(readErr, fs.ErrNotExist):
	default:
		return Config{}, readErr
	}

	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	for _, key := range keys() {
		value, ok := lookupEnv(EnvName(key))
		if !ok {
			continue
		}
		if err := setters[key](&cfg, value); err != nil {
			return Config{}, fmt.Errorf("environment variable %s: %w", EnvName(key), err)
		}
	}

	return cfg, nil
}

// AddFlags registers the --config flag and one string flag per
// configuration key on flags.
func AddFlags(flags *flag.FlagSet) {
	flags.StringP(FileFlag, "c", DefaultFile, "path of the YAML configuration file")
	for _, key := range keys() {
		flags.String(FlagName(key), "", fmt.Sprintf("override %s", key))
	}
}

// ApplyFlags copies every flag registered by AddFlags that was set on the
// command line into c.
func (c *Config) ApplyFlags(flags *flag.FlagSet) error {
	for _, key := range keys() {
		f := flags.Lookup(FlagName(key))
		if f == nil || !f.Changed {
			continue
		}
		if err := setters[key](c, f.Value.String()); err != nil {
			return fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	}
	return nil
}

// FromCommandLine loads the file named by --config, applies the environment
// and the parsed flags, then validates the result.
func FromCommandLine(fileSystem afero.Fs, flags *flag.FlagSet) (Config, error) {
	path := DefaultFile
	if f := flags.Lookup(FileFlag); f != nil {
		path = f.Value.String()
	}

	cfg, err := Load(fileSystem, path, os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds the logger described by the log section, writing to w
// and appending to the log file when one is configured. The returned close
// function releases that file.
func (c Config) NewLogger(fileSystem afero.Fs, w io.Writer) (*logging.Logger, func() error, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(w, level)
	if c.Log.FilePath == "" {
		return logger, func() error { return nil }, nil
	}

	file, openErr := fileSystem.OpenFile(c.Log.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if openErr != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", openErr)
	}
	return logger.WithFile(file), file.Close, nil
}

func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, ok := c.Image.Flavors[c.Image.Flavor]; !ok {
		return fmt.Errorf("unknown image flavor: %q", c.Image.Flavor)
	}
	for name, flavor := range c.Image.Flavors {
		if flavor.IndexURL == "" || flavor.Prefix == "" || flavor.Suffix == "" {
			return fmt.Errorf("image flavor %q needs index_url, prefix and suffix", name)
		}
	}
	if c.Format.Partitioner != PartitionerGPT && c.Format.Partitioner != PartitionerFdisk {
		return fmt.Errorf("unknown partitioner: %q", c.Format.Partitioner)
	}
	if c.Format.Filesystem == "" {
		return errors.New("format filesystem must not be empty")
	}
	if c.Flash.BlockSize == 0 {
		return errors.New("flash block size must be greater than zero")
	}
	if c.Cache.Dir == "" {
		return errors.New("cache dir must not be empty")
	}
	return nil
}

func (c Config) SelectedFlavor() Flavor {
	return c.Image.Flavors[c.Image.Flavor]
}
