package release

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DirPrefix starts the name of every extracted version directory.
	DirPrefix = "netbox-"

	// BackupExtension is the suffix of database dumps.
	BackupExtension = ".psql"

	// backupTimeLayout renders minutes, matching `date +%Y%m%d%H%M`.
	backupTimeLayout = "200601021504"
)

// errNotVersionDir is returned for directory names without the version prefix.
var errNotVersionDir = errors.New("not a version directory")

// Layout derives every path of an installation from its root.
type Layout struct {
	// Root holds the version directories, e.g. /opt/netbox.
	Root string
	// CurrentLinkName is the live version symlink inside Root.
	CurrentLinkName string
	// BackupDir receives database dumps.
	BackupDir string
}

// CurrentLink is the absolute path of the live version symlink.
func (l Layout) CurrentLink() string {
	return filepath.Join(l.Root, l.CurrentLinkName)
}

// VersionDir is where the given release is extracted.
func (l Layout) VersionDir(v Version) string {
	return filepath.Join(l.Root, DirName(v))
}

// BackupFile is the dump path for a run upgrading away from previous at the given time.
func (l Layout) BackupFile(previous Version, at time.Time) string {
	return filepath.Join(l.BackupDir, BackupName(previous, at))
}

// DirName is the directory name of an extracted release.
func DirName(v Version) string {
	return DirPrefix + v.String()
}

// BackupName identifies a dump as netbox-<previous>-<YYYYMMDDHHMM>.psql.
func BackupName(previous Version, at time.Time) string {
	return fmt.Sprintf("%s%s-%s%s", DirPrefix, previous, at.Format(backupTimeLayout), BackupExtension)
}

// VersionFromDir extracts the version from a path like /opt/netbox/netbox-2.9.8.
func VersionFromDir(dir string) (Version, error) {
	base := filepath.Base(filepath.Clean(dir))

	rest, ok := strings.CutPrefix(base, DirPrefix)
	if !ok {
		return Version{}, fmt.Errorf("%s: %w", base, errNotVersionDir)
	}

	// Upstream tags sometimes leak into directory names as netbox-v2.9.8.
	return ParseTag(rest)
}
