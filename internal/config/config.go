package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of a NetBox installation and of the upgrade run.
type Config struct {
	// InstallRoot is the directory holding every extracted NetBox version.
	InstallRoot string `yaml:"install_root"`
	// CurrentLink is the name of the symlink inside InstallRoot that points to the live version.
	CurrentLink string `yaml:"current_link"`
	// ConfigDir is where the site-local configuration files live.
	ConfigDir string `yaml:"config_dir"`
	// BackupDir receives database dumps and the upgrade history.
	BackupDir string `yaml:"backup_dir"`
	// LatestReleaseURL redirects to the tag of the newest upstream release.
	LatestReleaseURL string `yaml:"latest_release_url"`
	// ArchiveURLTemplate is the release tarball URL with a {version} placeholder.
	ArchiveURLTemplate string `yaml:"archive_url_template"`
	// LinkedFiles are symlinked from ConfigDir into the new version.
	LinkedFiles []LinkedFile `yaml:"linked_files"`
	// CopiedPaths are copied from the previous version into the new one.
	CopiedPaths []string `yaml:"copied_paths"`
	// UpgradeScript is the vendor upgrade routine, relative to the version directory.
	UpgradeScript string `yaml:"upgrade_script"`
	// Services are the systemd units restarted at the end of the run.
	Services []string `yaml:"services"`
	// Database describes how the pre-cutover backup is taken.
	Database Database `yaml:"database"`
	// HTTPTimeout bounds every request to the release host.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// HTTPRetries is the number of retries on transient HTTP failures.
	HTTPRetries int `yaml:"http_retries"`
}

// LinkedFile maps a file in ConfigDir to its location inside a version directory.
type LinkedFile struct {
	// Source is the file name relative to ConfigDir.
	Source string `yaml:"source"`
	// Target is the link path relative to the version directory.
	Target string `yaml:"target"`
}

// Database holds the backup settings.
type Database struct {
	// Name is the database passed to the dump tool.
	Name string `yaml:"name"`
	// SystemUser is the account the dump runs as through sudo.
	SystemUser string `yaml:"system_user"`
	// DumpCommand is the dump executable.
	DumpCommand string `yaml:"dump_command"`
	// DSN enables a connectivity preflight before the dump when set.
	DSN string `yaml:"dsn"`
}

const (
	// DefaultConfigFilename is the default location of the settings file.
	DefaultConfigFilename = "/etc/netbox/netbox-upgrade.yaml"

	// DefaultInstallRoot is where NetBox versions are extracted.
	DefaultInstallRoot = "/opt/netbox"

	// DefaultCurrentLink is the name of the live version symlink.
	DefaultCurrentLink = "current"

	// DefaultConfigDir holds configuration.py and friends.
	DefaultConfigDir = "/etc/netbox"

	// DefaultBackupDirName is the backup directory inside the install root.
	DefaultBackupDirName = "backup"

	// DefaultLatestReleaseURL redirects to the newest release tag.
	DefaultLatestReleaseURL = "https://github.com/netbox-community/netbox/releases/latest"

	// DefaultArchiveURLTemplate is the conventional release tarball location.
	DefaultArchiveURLTemplate = "https://github.com/netbox-community/netbox/archive/v{version}.tar.gz"

	// VersionPlaceholder is substituted in ArchiveURLTemplate.
	VersionPlaceholder = "{version}"

	// DefaultUpgradeScript is the vendor upgrade routine.
	DefaultUpgradeScript = "upgrade.sh"

	// DefaultHTTPTimeout is the default bound for a single request.
	DefaultHTTPTimeout = 10 * time.Minute

	// DefaultHTTPRetries is the default retry count.
	DefaultHTTPRetries = 3

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errPathNotAbsolute is returned for relative directory settings.
	errPathNotAbsolute = errors.New("path must be absolute")
	// errMissingPlaceholder is returned when the archive template cannot carry a version.
	errMissingPlaceholder = errors.New("archive url template has no " + VersionPlaceholder + " placeholder")
	// errNoServices is returned when nothing would be restarted.
	errNoServices = errors.New("at least one service must be configured")
	// errBadLinkedFile is returned for linked file entries with empty sides.
	errBadLinkedFile = errors.New("linked file needs both source and target")
	// errEscapingPath is returned when a relative entry climbs out of its base.
	errEscapingPath = errors.New("path escapes its base directory")
)

// Default returns the settings matching a stock NetBox installation.
func Default() *Config {
	cfg := new(Config)

	// Validate fills every default; an empty config is always valid.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates it.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes Config to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the DSN may carry a password.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks paths, URLs and lists.
//
//nolint:cyclop // A flat list of defaults reads better than helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.InstallRoot == "" {
		cfg.InstallRoot = DefaultInstallRoot
	}

	if cfg.CurrentLink == "" {
		cfg.CurrentLink = DefaultCurrentLink
	}

	if cfg.ConfigDir == "" {
		cfg.ConfigDir = DefaultConfigDir
	}

	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.InstallRoot, DefaultBackupDirName)
	}

	if cfg.LatestReleaseURL == "" {
		cfg.LatestReleaseURL = DefaultLatestReleaseURL
	}

	if cfg.ArchiveURLTemplate == "" {
		cfg.ArchiveURLTemplate = DefaultArchiveURLTemplate
	}

	if cfg.LinkedFiles == nil {
		cfg.LinkedFiles = DefaultLinkedFiles()
	}

	if cfg.CopiedPaths == nil {
		cfg.CopiedPaths = DefaultCopiedPaths()
	}

	if cfg.UpgradeScript == "" {
		cfg.UpgradeScript = DefaultUpgradeScript
	}

	if cfg.Services == nil {
		cfg.Services = DefaultServices()
	}

	if cfg.Database.Name == "" {
		cfg.Database.Name = "netbox"
	}

	if cfg.Database.SystemUser == "" {
		cfg.Database.SystemUser = "postgres"
	}

	if cfg.Database.DumpCommand == "" {
		cfg.Database.DumpCommand = "pg_dump"
	}

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}

	// Negative disables retries, zero means unset.
	if cfg.HTTPRetries == 0 {
		cfg.HTTPRetries = DefaultHTTPRetries
	}

	return validateValues(cfg)
}

// DefaultLinkedFiles returns the configuration files NetBox expects to find in its tree.
func DefaultLinkedFiles() []LinkedFile {
	return []LinkedFile{
		{Source: "configuration.py", Target: "netbox/netbox/configuration.py"},
		{Source: "ldap_config.py", Target: "netbox/netbox/ldap_config.py"},
		{Source: "gunicorn.py", Target: "gunicorn.py"},
	}
}

// DefaultCopiedPaths returns the user data carried over between versions.
func DefaultCopiedPaths() []string {
	return []string{
		"netbox/media",
		"netbox/scripts",
		"netbox/reports",
		"local_requirements.txt",
	}
}

// DefaultServices returns the systemd units of a stock installation.
func DefaultServices() []string {
	return []string{"netbox", "netbox-rq"}
}

func validateValues(cfg *Config) error {
	for name, dir := range map[string]string{
		"install_root": cfg.InstallRoot,
		"config_dir":   cfg.ConfigDir,
		"backup_dir":   cfg.BackupDir,
	} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s %q: %w", name, dir, errPathNotAbsolute)
		}
	}

	if err := validateRelative("current_link", cfg.CurrentLink); err != nil {
		return err
	}

	if _, err := url.ParseRequestURI(cfg.LatestReleaseURL); err != nil {
		return fmt.Errorf("invalid latest release URL: %w", err)
	}

	if !strings.Contains(cfg.ArchiveURLTemplate, VersionPlaceholder) {
		return errMissingPlaceholder
	}

	if _, err := url.ParseRequestURI(strings.ReplaceAll(cfg.ArchiveURLTemplate, VersionPlaceholder, "0.0.0")); err != nil {
		return fmt.Errorf("invalid archive URL template: %w", err)
	}

	for _, link := range cfg.LinkedFiles {
		if link.Source == "" || link.Target == "" {
			return errBadLinkedFile
		}

		if err := validateRelative("linked file target", link.Target); err != nil {
			return err
		}
	}

	for _, p := range cfg.CopiedPaths {
		if err := validateRelative("copied path", p); err != nil {
			return err
		}
	}

	if len(cfg.Services) == 0 {
		return errNoServices
	}

	return nil
}

// validateRelative rejects absolute entries and entries leaving their base.
func validateRelative(name, p string) error {
	cleaned := filepath.Clean(p)
	if p == "" || filepath.IsAbs(p) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s %q: %w", name, p, errEscapingPath)
	}

	return nil
}
