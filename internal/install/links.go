package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/logger"
)

// defaultDirMode is used for parent directories created on the way.
const defaultDirMode os.FileMode = 0o755

// LinkConfigFiles symlinks site configuration from configDir into versionDir.
// Sources that do not exist are skipped. Every other failure is collected and
// the remaining files are still processed.
func LinkConfigFiles(ctx context.Context, configDir, versionDir string, files []config.LinkedFile) error {
	var errs []error

	for _, file := range files {
		source := filepath.Join(configDir, file.Source)
		target := filepath.Join(versionDir, file.Target)

		if _, err := os.Stat(source); errors.Is(err, os.ErrNotExist) {
			logger.InfoKV(ctx, "Configuration file not present, not linking", "source", source)
			continue
		}

		if err := replaceSymlink(source, target); err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", file.Target, err))
			continue
		}

		logger.InfoKV(ctx, "Linked configuration file", "source", source, "target", target)
	}

	return errors.Join(errs...)
}

// replaceSymlink behaves like ln -sf.
func replaceSymlink(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return err
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return os.Symlink(source, target)
}
