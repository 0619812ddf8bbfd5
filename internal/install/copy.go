package install

import (
	"context"
	"crypto"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/netbox-upgrade/internal/logger"
)

// CopyUserData copies the given relative paths from the previous version into
// the new one, preserving modes and ownership like cp -pr. Missing sources are
// skipped. Failures are collected and the remaining paths are still copied.
func CopyUserData(ctx context.Context, fromDir, toDir string, paths []string) error {
	var errs []error

	for _, rel := range paths {
		source := filepath.Join(fromDir, rel)
		target := filepath.Join(toDir, rel)

		info, err := os.Lstat(source)
		if errors.Is(err, os.ErrNotExist) {
			logger.InfoKV(ctx, "User data not present, not copying", "path", source)
			continue
		}

		if err != nil {
			errs = append(errs, err)
			continue
		}

		if info.IsDir() {
			err = copyTree(source, target)
		} else {
			err = copyEntry(source, target, info)
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("copy %s: %w", rel, err))
			continue
		}

		logger.InfoKV(ctx, "Copied user data", "source", source, "target", target)
	}

	return errors.Join(errs...)
}

// copyTree merges the directory at source into target.
func copyTree(source, target string) error {
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return copyEntry(path, filepath.Join(target, rel), info)
	})
}

// copyEntry copies a single directory, symlink or regular file.
func copyEntry(source, target string, info fs.FileInfo) error {
	switch {
	case info.IsDir():
		if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
			return err
		}

		if err := os.Chmod(target, info.Mode().Perm()); err != nil {
			return err
		}
	case info.Mode()&os.ModeSymlink != 0:
		linkname, err := os.Readlink(source)
		if err != nil {
			return err
		}

		if err = replaceSymlink(linkname, target); err != nil {
			return err
		}
	case info.Mode().IsRegular():
		if err := copyFile(source, target, info.Mode().Perm()); err != nil {
			return err
		}
	default:
		// Sockets, pipes and devices have no place in NetBox user data.
		return nil
	}

	return preserveOwner(target, info)
}

// copyFile replaces target with the contents of source through go-update,
// which writes a sibling file, verifies its checksum and renames it into place.
func copyFile(source, target string, mode os.FileMode) error {
	checksum, err := fileChecksum(source)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(filepath.Dir(target), defaultDirMode); err != nil {
		return err
	}

	// go-update moves the existing target aside, so there has to be one.
	if _, err = os.Lstat(target); errors.Is(err, os.ErrNotExist) {
		var placeholder *os.File

		placeholder, err = os.OpenFile(target, os.O_CREATE|os.O_WRONLY, mode)
		if err != nil {
			return err
		}

		if err = placeholder.Close(); err != nil {
			return err
		}
	}

	f, err := os.Open(filepath.Clean(source))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: mode,
		Checksum:   checksum,
		Hash:       crypto.SHA512,
	}

	if err = goupdate.Apply(f, options); err != nil {
		return err
	}

	return os.Chmod(target, mode)
}

func fileChecksum(path string) ([]byte, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = f.Close()
	}()

	hasher := sha512.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}
