// Package config loads and validates the sdsync configuration. All
// values are strongly typed and range-checked once at load time; the
// upload subsystem refuses to initialize on an invalid configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sdsync/sdsync/internal/model"
)

// Duration wraps time.Duration for YAML: accepts "90s"-style strings
// or plain integer seconds.
type Duration time.Duration

// Duration returns the wrapped value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// BackendConfig describes one upload destination.
type BackendConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // smb | webdav | cloud
	Address  string `yaml:"address"`
	Share    string `yaml:"share,omitempty"`      // smb only
	BasePath string `yaml:"base_path,omitempty"`  // remote prefix
	Username string `yaml:"username,omitempty"`   // ${ENV} expansion supported
	Password string `yaml:"password,omitempty"`   // ${ENV} expansion supported
	TokenURL string `yaml:"token_url,omitempty"`  // cloud only
	ClientID string `yaml:"client_id,omitempty"`  // cloud only
	Secret   string `yaml:"client_secret,omitempty"`
	TeamID   string `yaml:"team_id,omitempty"` // cloud only
}

// BusConfig describes the hardware side of the storage bus.
type BusConfig struct {
	SwitchPath     string        `yaml:"switch_path"`      // mux select line (sysfs value file)
	ActivityPath   string        `yaml:"activity_path"`    // pulse counter file
	Device         string        `yaml:"device"`           // block device, e.g. /dev/mmcblk1p1
	MountPoint     string        `yaml:"mount_point"`      // e.g. /mnt/card
	SettleTime     Duration      `yaml:"settle_time"`      // wait after flipping the mux
	ResetOnRelease bool          `yaml:"reset_on_release"` // issue protocol reset before handback
}

// UploadConfig holds the upload cycle parameters.
type UploadConfig struct {
	Mode                  model.UploadMode `yaml:"mode"`
	StartHour             int              `yaml:"start_hour"`
	EndHour               int              `yaml:"end_hour"`
	SilenceDuration       Duration         `yaml:"silence_duration"`
	MaxSessionMinutes     int              `yaml:"max_session_minutes"` // exclusive-access ceiling
	CooldownMinutes       int              `yaml:"cooldown_minutes"`
	SessionDuration       Duration         `yaml:"session_duration"`
	MaxRetryAttempts      int              `yaml:"max_retry_attempts"`
	MaxAgeDays            int              `yaml:"max_age_days"`
	RecentFolderDays      int              `yaml:"recent_folder_days"`
	PendingWindow         Duration         `yaml:"pending_window"`
	ReleaseInterval       Duration         `yaml:"release_interval"`
	ReleaseWait           Duration         `yaml:"release_wait"`
	FileTransferTimeout   Duration         `yaml:"file_transfer_timeout"`
	DataFolder            string           `yaml:"data_folder"`
	SettingsFolder        string           `yaml:"settings_folder"`
	DataExtensions        []string         `yaml:"data_extensions"`
	RootFiles             []string         `yaml:"root_files"`
}

// Config is the top-level sdsync configuration.
type Config struct {
	Upload     UploadConfig    `yaml:"upload"`
	Bus        BusConfig       `yaml:"bus"`
	Backends   []BackendConfig `yaml:"backends"`
	CatalogDB  string          `yaml:"catalog_db"`
	ListenAddr string          `yaml:"listen_addr"` // diagnostic + metrics HTTP
}

// Defaults mirrors the field behavior of the shipped units: a 40 KB/s
// conservative rate lives in the budget package; everything here is the
// schedule/bus side.
func defaults() Config {
	return Config{
		Upload: UploadConfig{
			Mode:                model.ModeSmart,
			StartHour:           12,
			EndHour:             14,
			SilenceDuration:     Duration(90 * time.Second),
			MaxSessionMinutes:   10,
			CooldownMinutes:     5,
			SessionDuration:     Duration(5 * time.Minute),
			MaxRetryAttempts:    5,
			MaxAgeDays:          0, // 0 = unlimited
			RecentFolderDays:    3,
			PendingWindow:       Duration(7 * 24 * time.Hour),
			ReleaseInterval:     Duration(2 * time.Minute),
			ReleaseWait:         Duration(3 * time.Second),
			FileTransferTimeout: Duration(2 * time.Minute),
			DataFolder:          "DATALOG",
			SettingsFolder:      "SETTINGS",
			DataExtensions:      []string{".edf"},
			RootFiles: []string{
				"Identification.json",
				"Identification.crc",
				"Identification.tgt",
				"STR.edf",
			},
		},
		Bus: BusConfig{
			MountPoint:     "/mnt/card",
			SettleTime:     Duration(500 * time.Millisecond),
			ResetOnRelease: true,
		},
		CatalogDB:  "/var/lib/sdsync/catalog.db",
		ListenAddr: "127.0.0.1:9180",
	}
}

// Load reads the YAML file at path, overlays credentials from an
// optional .env file next to it, expands ${VAR} references from the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	// A .env beside the config file may carry credentials; missing is
	// fine.
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		b.Username = os.ExpandEnv(b.Username)
		b.Password = os.ExpandEnv(b.Password)
		b.Secret = os.ExpandEnv(b.Secret)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs the one-time range and consistency checks.
func (c *Config) Validate() error {
	u := &c.Upload
	switch u.Mode {
	case model.ModeScheduled, model.ModeSmart:
	default:
		return fmt.Errorf("invalid upload mode %q (want scheduled or smart)", u.Mode)
	}
	if u.StartHour < 0 || u.StartHour > 23 {
		return fmt.Errorf("start_hour %d out of range [0,23]", u.StartHour)
	}
	if u.EndHour < 0 || u.EndHour > 23 {
		return fmt.Errorf("end_hour %d out of range [0,23]", u.EndHour)
	}
	if u.Mode == model.ModeScheduled && u.StartHour == u.EndHour {
		return fmt.Errorf("scheduled window is empty (start_hour == end_hour == %d)", u.StartHour)
	}
	if u.SilenceDuration <= 0 {
		return fmt.Errorf("silence_duration must be positive, got %s", u.SilenceDuration)
	}
	if u.MaxSessionMinutes <= 0 {
		return fmt.Errorf("max_session_minutes must be positive, got %d", u.MaxSessionMinutes)
	}
	if u.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must be >= 0, got %d", u.CooldownMinutes)
	}
	if u.SessionDuration <= 0 {
		return fmt.Errorf("session_duration must be positive, got %s", u.SessionDuration)
	}
	if u.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be >= 1, got %d", u.MaxRetryAttempts)
	}
	if u.MaxAgeDays < 0 {
		return fmt.Errorf("max_age_days must be >= 0, got %d", u.MaxAgeDays)
	}
	if u.RecentFolderDays < 0 {
		return fmt.Errorf("recent_folder_days must be >= 0, got %d", u.RecentFolderDays)
	}
	if u.PendingWindow <= 0 {
		return fmt.Errorf("pending_window must be positive, got %s", u.PendingWindow)
	}
	if u.DataFolder == "" {
		return fmt.Errorf("data_folder must not be empty")
	}

	if c.Bus.MountPoint == "" {
		return fmt.Errorf("bus.mount_point must not be empty")
	}
	if c.Bus.SettleTime < 0 {
		return fmt.Errorf("bus.settle_time must be >= 0, got %s", c.Bus.SettleTime)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}
	seen := map[string]bool{}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("backend %d: name must not be empty", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		switch strings.ToLower(b.Type) {
		case "smb":
			if b.Address == "" || b.Share == "" {
				return fmt.Errorf("backend %q: smb requires address and share", b.Name)
			}
		case "webdav":
			if b.Address == "" {
				return fmt.Errorf("backend %q: webdav requires address", b.Name)
			}
		case "cloud":
			if b.Address == "" || b.TokenURL == "" || b.ClientID == "" || b.Secret == "" {
				return fmt.Errorf("backend %q: cloud requires address, token_url, client_id and client_secret", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown type %q (want smb, webdav or cloud)", b.Name, b.Type)
		}
	}

	if c.CatalogDB == "" {
		return fmt.Errorf("catalog_db must not be empty")
	}
	return nil
}

// Ceiling returns the exclusive-access ceiling as a duration.
func (c *Config) Ceiling() time.Duration {
	return time.Duration(c.Upload.MaxSessionMinutes) * time.Minute
}

// Cooldown returns the cooldown period as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Upload.CooldownMinutes) * time.Minute
}
