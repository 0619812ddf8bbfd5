package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/netbox-upgrade/internal/domain/release"
)

// ErrNotSymlink is returned when the current link exists but is a regular file or directory.
var ErrNotSymlink = errors.New("current version path is not a symlink")

// CurrentVersion resolves the live version from the current symlink.
// It returns the version and the fully resolved directory the link points to.
func CurrentVersion(layout release.Layout) (release.Version, string, error) {
	link := layout.CurrentLink()

	info, err := os.Lstat(link)
	if err != nil {
		return release.Version{}, "", fmt.Errorf("inspect %s: %w", link, err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		return release.Version{}, "", fmt.Errorf("%s: %w", link, ErrNotSymlink)
	}

	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return release.Version{}, "", fmt.Errorf("resolve %s: %w", link, err)
	}

	v, err := release.VersionFromDir(target)
	if err != nil {
		return release.Version{}, target, fmt.Errorf("version of %s: %w", target, err)
	}

	return v, target, nil
}

// Cutover points the current symlink at dir. The new link is created next to
// the old one and renamed over it, so readers never see a missing link.
func Cutover(layout release.Layout, dir string) error {
	link := layout.CurrentLink()
	staging := link + ".new"

	if err := os.Remove(staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", staging, err)
	}

	if err := os.Symlink(dir, staging); err != nil {
		return fmt.Errorf("create %s: %w", staging, err)
	}

	if err := os.Rename(staging, link); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("replace %s: %w", link, err)
	}

	return nil
}
