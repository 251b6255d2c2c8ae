// Package settings loads daemon runtime settings.
//
// Settings come from three layers, later layers winning: built-in defaults,
// the settings.yml file under the codesync root directory, and CODESYNC_*
// environment variables. The repo/branch sync state lives elsewhere (see
// internal/config); this package only covers tunables.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every tunable the daemon reads at startup.
type Settings struct {
	// RootDir is the codesync home directory holding the config store,
	// shadow mirrors, diff queue, locks and logs.
	RootDir string `mapstructure:"root_dir"`

	// WebsocketURL is the delivery endpoint. The access token is appended
	// as a query parameter at dial time.
	WebsocketURL string `mapstructure:"websocket_url"`

	// HealthURL is probed before each delivery pass.
	HealthURL string `mapstructure:"health_url"`

	// DeliveryInterval is how often the delivery coordinator ticks.
	DeliveryInterval time.Duration `mapstructure:"delivery_interval"`

	// ScanInterval is how often the reconciliation scan runs.
	ScanInterval time.Duration `mapstructure:"scan_interval"`

	// DebounceInterval batches rapid watcher events together.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// ConnectCooldown suppresses reconnects after a failed session.
	ConnectCooldown time.Duration `mapstructure:"connect_cooldown"`

	// UploadWaitWindow is how long a diff waits on an out-of-band file
	// upload before being abandoned.
	UploadWaitWindow time.Duration `mapstructure:"upload_wait_window"`

	// QueueGraceWindow is how long records for branches not yet known to
	// the config survive before being purged.
	QueueGraceWindow time.Duration `mapstructure:"queue_grace_window"`

	// LockLease is the lease duration for the detector and sender locks.
	LockLease time.Duration `mapstructure:"lock_lease"`

	// MaxDiffBytes is the hard ceiling on a single diff payload.
	MaxDiffBytes int `mapstructure:"max_diff_bytes"`

	// BatchSize is the maximum records sampled per delivery pass.
	BatchSize int `mapstructure:"batch_size"`

	// Source identifies this client in diff records ("vscode", "cli", ...).
	Source string `mapstructure:"source"`
}

// FileName is the settings file looked up under the root directory.
const FileName = "settings.yml"

func setDefaults(v *viper.Viper, rootDir string) {
	v.SetDefault("root_dir", rootDir)
	v.SetDefault("websocket_url", "wss://api.codesync.com/v2/websocket")
	v.SetDefault("health_url", "https://api.codesync.com/healthcheck")
	v.SetDefault("delivery_interval", 5*time.Second)
	v.SetDefault("scan_interval", 5*time.Minute)
	v.SetDefault("debounce_interval", 300*time.Millisecond)
	v.SetDefault("connect_cooldown", 30*time.Second)
	v.SetDefault("upload_wait_window", 5*time.Minute)
	v.SetDefault("queue_grace_window", 5*24*time.Hour)
	v.SetDefault("lock_lease", 30*time.Second)
	v.SetDefault("max_diff_bytes", 16*1024*1024)
	v.SetDefault("batch_size", 50)
	v.SetDefault("source", "daemon")
}

// DefaultRootDir returns ~/.codesync, or a relative fallback if the home
// directory cannot be determined.
func DefaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codesync"
	}
	return filepath.Join(home, ".codesync")
}

// Load reads settings for the given root directory. A missing settings
// file is not an error; defaults and environment variables still apply.
func Load(rootDir string) (*Settings, error) {
	if rootDir == "" {
		rootDir = DefaultRootDir()
	}

	v := viper.New()
	setDefaults(v, rootDir)

	v.SetConfigFile(filepath.Join(rootDir, FileName))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	v.SetEnvPrefix("CODESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &s, nil
}

// Queue, shadow, lock and log locations are fixed relative to the root so
// every component agrees on them without passing paths around.

// QueueDir returns the diff queue directory.
func (s *Settings) QueueDir() string { return filepath.Join(s.RootDir, ".diffs") }

// ShadowDir returns the shadow mirror root.
func (s *Settings) ShadowDir() string { return filepath.Join(s.RootDir, ".shadow") }

// OriginalsDir returns the originals mirror root.
func (s *Settings) OriginalsDir() string { return filepath.Join(s.RootDir, ".originals") }

// DeletedDir returns the deleted-cache mirror root.
func (s *Settings) DeletedDir() string { return filepath.Join(s.RootDir, ".deleted") }

// LockDir returns the directory holding cross-process lock files.
func (s *Settings) LockDir() string { return filepath.Join(s.RootDir, ".locks") }

// LogDir returns the daemon log directory.
func (s *Settings) LogDir() string { return filepath.Join(s.RootDir, "logs") }

// ConfigPath returns the sync state config document path.
func (s *Settings) ConfigPath() string { return filepath.Join(s.RootDir, "config.yml") }

// UserPath returns the active account document path.
func (s *Settings) UserPath() string { return filepath.Join(s.RootDir, "user.yml") }
