package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/agenda-pilot/pkg/backup"
	"github.com/mklimuk/agenda-pilot/pkg/integration/calendar"
	"github.com/mklimuk/agenda-pilot/pkg/recurring"
	"github.com/mklimuk/agenda-pilot/pkg/sync"
)

// Remote is a cloud-mounted folder holding a copy of the agenda.
type Remote struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Drive configures the Google Drive remote.
type Drive struct {
	Name     string `yaml:"name"`
	FolderID string `yaml:"folder_id"`
}

// Calendar configures publishing dated tasks to Google Calendar.
type Calendar struct {
	ID          string        `yaml:"id"`
	HorizonDays int           `yaml:"horizon_days"`
	Interval    time.Duration `yaml:"interval"`
}

// History configures the git history of the data directory.
type History struct {
	Enabled    bool   `yaml:"enabled"`
	Push       bool   `yaml:"push"`
	SSHKeyPath string `yaml:"ssh_key_path"`
}

// Config is the runtime configuration of agenda-pilot.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	Port       string `yaml:"port"`
	DeviceName string `yaml:"device_name"`

	WindowDays         int           `yaml:"window_days"`
	RollForward        bool          `yaml:"roll_forward"`
	RecurrenceInterval time.Duration `yaml:"recurrence_interval"`
	SyncInterval       time.Duration `yaml:"sync_interval"`
	BackupKeep         int           `yaml:"backup_keep"`

	Remotes []Remote `yaml:"remotes"`
	Drive   Drive    `yaml:"drive"`

	GoogleCredentialsFile string   `yaml:"google_credentials_file"`
	Calendar              Calendar `yaml:"calendar"`
	History               History  `yaml:"history"`

	TelegramToken        string  `yaml:"telegram_token"`
	TelegramAllowedChats []int64 `yaml:"telegram_allowed_chats"`
	DiscordToken         string  `yaml:"discord_token"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	device, err := os.Hostname()
	if err != nil || device == "" {
		device = "agenda-pilot"
	}
	return &Config{
		DataDir:            "data",
		Port:               "8080",
		DeviceName:         device,
		WindowDays:         recurring.DefaultWindow,
		RollForward:        true,
		RecurrenceInterval: 5 * time.Minute,
		SyncInterval:       5 * time.Minute,
		BackupKeep:         backup.DefaultKeep,
		Drive:              Drive{Name: "googledrive"},
		Calendar: Calendar{
			HorizonDays: calendar.DefaultHorizon,
			Interval:    15 * time.Minute,
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment variables that are set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&c.DataDir, "AGENDA_DATA_DIR")
	setString(&c.DBPath, "AGENDA_DB_PATH")
	setString(&c.Port, "AGENDA_PORT")
	setString(&c.DeviceName, "AGENDA_DEVICE_NAME")
	setString(&c.GoogleCredentialsFile, "GOOGLE_CREDENTIALS_FILE")
	setString(&c.Drive.FolderID, "DRIVE_FOLDER_ID")
	setString(&c.Calendar.ID, "CALENDAR_ID")
	setString(&c.TelegramToken, "TELEGRAM_TOKEN")
	setString(&c.DiscordToken, "DISCORD_TOKEN")

	if v := getenv("AGENDA_REMOTES"); v != "" {
		remotes, err := ParseRemotes(v)
		if err != nil {
			return fmt.Errorf("AGENDA_REMOTES: %w", err)
		}
		c.Remotes = remotes
	}
	if v := getenv("TELEGRAM_ALLOWED_CHATS"); v != "" {
		chats, err := parseChatIDs(v)
		if err != nil {
			return fmt.Errorf("TELEGRAM_ALLOWED_CHATS: %w", err)
		}
		c.TelegramAllowedChats = chats
	}
	return nil
}

// ParseRemotes parses a comma separated list of name=path pairs.
func ParseRemotes(s string) ([]Remote, error) {
	var remotes []Remote
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, path, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=path, got %q", part)
		}
		remotes = append(remotes, Remote{Name: strings.TrimSpace(name), Path: strings.TrimSpace(path)})
	}
	return remotes, nil
}

func parseChatIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks the configuration and fills in derived paths.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.WindowDays <= 0 {
		errs = append(errs, fmt.Errorf("window_days must be positive, got %d", c.WindowDays))
	}
	if c.RecurrenceInterval <= 0 || c.SyncInterval <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}

	seen := map[string]bool{sync.LocalName: true}
	for _, r := range c.Remotes {
		switch {
		case r.Name == "" || r.Path == "":
			errs = append(errs, fmt.Errorf("remote %q: name and path are required", r.Name))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("remote name %q is reserved or used twice", r.Name))
		}
		seen[r.Name] = true
	}
	if c.Drive.FolderID != "" {
		if c.GoogleCredentialsFile == "" {
			errs = append(errs, errors.New("drive remote requires google_credentials_file"))
		}
		if seen[c.Drive.Name] {
			errs = append(errs, fmt.Errorf("remote name %q is reserved or used twice", c.Drive.Name))
		}
	}
	if c.Calendar.ID != "" && c.GoogleCredentialsFile == "" {
		errs = append(errs, errors.New("calendar publishing requires google_credentials_file"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "agenda-pilot.db")
	}
	return nil
}

// BackupDir returns the directory holding local document backups.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// SyncEnabled reports whether any remote is configured.
func (c *Config) SyncEnabled() bool {
	return len(c.Remotes) > 0 || c.Drive.FolderID != ""
}
