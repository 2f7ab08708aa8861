// Package config handles lux's boot-time configuration: the limits and
// paths spec.md §6 names, loaded from a yaml file under the XDG config
// directory and overridable by the boot argument string spec.md §6
// describes (tokenized on spaces; the token "quiet" disables verbose
// logging).
//
// This mirrors lazydocker's pkg/config/app_config.go load/merge mechanism
// (findOrCreateConfigDir + loadUserConfig + WriteToUserConfig) with an
// entirely new schema: lazydocker's UserConfig held GUI keybindings and
// docker-compose templates, neither of which has a kernel analogue.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// Limits holds the fixed capacity constants from spec.md §6.
type Limits struct {
	MaxPID            int `yaml:"maxPid,omitempty"`
	MaxIODescriptors  int `yaml:"maxIoDescriptors,omitempty"`
	MaxSockets        int `yaml:"maxSockets,omitempty"`
	MaxFilePath       int `yaml:"maxFilePath,omitempty"`
	ServerMaxSize     int `yaml:"serverMaxSize,omitempty"`
	ServerMaxConns    int `yaml:"serverMaxConnections,omitempty"`
	SocketDefaultBacklog int `yaml:"socketDefaultBacklog,omitempty"`
	TimerFrequencyHz  int `yaml:"timerFrequencyHz,omitempty"`
	SchedTimeSlice    int `yaml:"schedTimeSlice,omitempty"`
	PageSize          int `yaml:"pageSize,omitempty"`
}

// DefaultLimits returns the values spec.md names directly (§4.3, §6).
func DefaultLimits() Limits {
	return Limits{
		MaxPID:               80_000,
		MaxIODescriptors:     1024,
		MaxSockets:           1 << 18,
		MaxFilePath:          2048,
		ServerMaxSize:        512 * 1024,
		ServerMaxConns:       512,
		SocketDefaultBacklog: 16,
		TimerFrequencyHz:     1000,
		SchedTimeSlice:       10,
		PageSize:             4096,
	}
}

// Paths holds the well-known socket paths from spec.md §4.6/§6.
type Paths struct {
	KernelSocket string `yaml:"kernelSocket,omitempty"`
	RouterSocket string `yaml:"routerSocket,omitempty"`
}

// DefaultPaths returns the paths named in spec.md §4.6.
func DefaultPaths() Paths {
	return Paths{
		KernelSocket: "lux:///kernel",
		RouterSocket: "lux:///lumen",
	}
}

// UserConfig is the yaml-persisted, user-overridable subset of the kernel's
// configuration.
type UserConfig struct {
	Limits Limits `yaml:"limits,omitempty"`
	Paths  Paths  `yaml:"paths,omitempty"`
	Quiet  bool   `yaml:"quiet,omitempty"`
}

// GetDefaultConfig returns the baked-in defaults, mirroring
// config.GetDefaultConfig from lazydocker.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Limits: DefaultLimits(),
		Paths:  DefaultPaths(),
		Quiet:  false,
	}
}

// KernelConfig is the fully resolved boot configuration: on-disk user
// config merged with boot arguments and CLI flags.
type KernelConfig struct {
	Debug       bool
	Version     string
	Commit      string
	BuildDate   string
	Name        string
	ConfigDir   string
	RamdiskPath string
	BootArgs    []string

	UserConfig *UserConfig
}

// NewKernelConfig mirrors NewAppConfig from lazydocker: locate/create the
// config dir, load and merge the user config, fold in boot flags.
func NewKernelConfig(name, version, commit, date string, debug bool, ramdiskPath, bootArgString string) (*KernelConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	args := TokenizeBootArgs(bootArgString)
	for _, a := range args {
		if a == "quiet" {
			userConfig.Quiet = true
		}
	}

	return &KernelConfig{
		Debug:       debug || os.Getenv("DEBUG") == "TRUE",
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Name:        name,
		ConfigDir:   configDir,
		RamdiskPath: ramdiskPath,
		BootArgs:    args,
		UserConfig:  userConfig,
	}, nil
}

// TokenizeBootArgs splits the ≤256-byte boot argument string on spaces into
// argv, per spec.md §6.
func TokenizeBootArgs(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	out = append(out, fields...)
	return out
}

func configDir(projectName string) string {
	if envConfigDir := os.Getenv("CONFIG_DIR"); envConfigDir != "" {
		return envConfigDir
	}
	dirs := xdg.New("lux-project", projectName)
	return dirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	cfg := GetDefaultConfig()
	return loadUserConfig(configDir, &cfg)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// ConfigFilename returns the path to config.yml, mirroring lazydocker's
// AppConfig.ConfigFilename.
func (c *KernelConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}

// WriteToUserConfig persists a mutation to config.yml, mirroring the
// teacher's AppConfig.WriteToUserConfig.
func (c *KernelConfig) WriteToUserConfig(update func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := update(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(userConfig)
}
