package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

// LocalConfigFile is the project-local settings filename. It is not meant
// to be committed.
const LocalConfigFile = "addonpkg.local.toml"

const (
	envPrefix        = "ADDONPKG"
	globalConfigDir  = "~/.addonpkg"
	globalConfigName = "config.toml"
)

// ErrNoAddonDir is returned when an operation needs the add-on directory and
// none is configured.
var ErrNoAddonDir = errors.New("no add-on directory configured (set addon_dir or pass --addon-dir)")

// Settings is the resolved runtime configuration. Precedence, lowest first:
// defaults, ~/.addonpkg/config.toml, addonpkg.local.toml, ADDONPKG_* env,
// then overrides from flags.
type Settings struct {
	AddonDir         string                    `toml:"addon_dir,omitempty" mapstructure:"addon_dir"`
	ConfigDir        string                    `toml:"config_dir,omitempty" mapstructure:"config_dir" validate:"required"`
	CacheDir         string                    `toml:"cache_dir,omitempty" mapstructure:"cache_dir" validate:"required"`
	Concurrency      int                       `toml:"concurrency,omitempty" mapstructure:"concurrency" validate:"min=1,max=64"`
	CPUWorkers       int                       `toml:"cpu_workers,omitempty" mapstructure:"cpu_workers" validate:"min=0,max=256"`
	MaxDepth         int                       `toml:"max_depth,omitempty" mapstructure:"max_depth" validate:"min=1,max=50"`
	CatalogueRefresh time.Duration             `toml:"catalogue_refresh,omitempty" mapstructure:"catalogue_refresh" validate:"min=0"`
	Sources          map[string]SourceSettings `toml:"sources,omitempty" mapstructure:"sources" validate:"dive"`
	Log              LogSettings               `toml:"log,omitempty" mapstructure:"log"`
	MetricsTextfile  string                    `toml:"metrics_textfile,omitempty" mapstructure:"metrics_textfile"`
}

type SourceSettings struct {
	Token   string `toml:"token,omitempty" mapstructure:"token"`
	BaseURL string `toml:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	// Concurrency overrides the adapter's own ceiling when positive.
	Concurrency int `toml:"concurrency,omitempty" mapstructure:"concurrency" validate:"min=0,max=64"`
}

type LogSettings struct {
	Level  string `toml:"level,omitempty" mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `toml:"format,omitempty" mapstructure:"format" validate:"omitempty,oneof=console json"`
}

// Source returns the settings for src, zero when none are configured. Keys
// may use any source alias.
func (s *Settings) Source(src addon.Source) SourceSettings {
	for name, ss := range s.Sources {
		if parsed, err := addon.ParseSource(name); err == nil && parsed == src {
			return ss
		}
	}
	return SourceSettings{}
}

// StatePath is where the install state database lives.
func (s *Settings) StatePath() string {
	return filepath.Join(s.ConfigDir, "state.db")
}

// CataloguePath is where the catalogue index lives.
func (s *Settings) CataloguePath() string {
	return filepath.Join(s.CacheDir, "catalogue.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addon_dir", "")
	v.SetDefault("config_dir", globalConfigDir)
	v.SetDefault("cache_dir", globalConfigDir+"/cache")
	v.SetDefault("concurrency", 8)
	v.SetDefault("cpu_workers", 0)
	v.SetDefault("max_depth", 5)
	v.SetDefault("catalogue_refresh", "24h")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics_textfile", "")
}

// LoadSettings resolves settings for the project in the working directory.
// overrides carry flag values by settings key and win over everything else.
func LoadSettings(overrides map[string]any) (*Settings, error) {
	globalPath, err := homedir.Expand(filepath.Join(globalConfigDir, globalConfigName))
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return loadSettings(overrides, globalPath, LocalConfigFile)
}

// loadSettings accepts explicit paths so tests stay out of the real home
// directory.
func loadSettings(overrides map[string]any, globalPath, localPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	// Lowest priority after defaults: global config, ignored when missing.
	if _, err := os.Stat(globalPath); err == nil {
		v.SetConfigFile(globalPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", globalPath, err)
		}
	}

	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", localPath, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, src := range addon.Sources() {
		_ = v.BindEnv("sources." + string(src) + ".token")
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	if err := s.expand(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) expand() error {
	for _, p := range []*string{&s.AddonDir, &s.ConfigDir, &s.CacheDir, &s.MetricsTextfile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings and names every offending field.
func (s *Settings) Validate() error {
	var out error
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			out = errors.Join(out, fmt.Errorf("invalid setting %s: failed %q %s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	for name := range s.Sources {
		if _, err := addon.ParseSource(name); err != nil {
			out = errors.Join(out, fmt.Errorf("invalid setting sources.%s: %w", name, err))
		}
	}
	return out
}

// GlobalConfigDir returns the path to ~/.addonpkg, creating it if necessary.
func GlobalConfigDir() (string, error) {
	dir, err := homedir.Expand(globalConfigDir)
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// WriteLocalSettings persists s to addonpkg.local.toml in projectDir. Only
// non-zero fields are written.
func WriteLocalSettings(projectDir string, s *Settings) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	path := filepath.Join(projectDir, LocalConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
