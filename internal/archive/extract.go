package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"

	"github.com/oshokin/netbox-upgrade/internal/logger"
)

var (
	// ErrUnsafePath is returned for entries or links that would land outside the top-level directory.
	ErrUnsafePath = errors.New("archive entry escapes destination")
	// ErrUnexpectedEntry is returned for entries outside the expected top-level directory.
	ErrUnexpectedEntry = errors.New("archive entry outside the release directory")
	// ErrUnsupportedEntry is returned for device nodes and other special files.
	ErrUnsupportedEntry = errors.New("unsupported archive entry")
	// ErrMissingTopLevel is returned when the archive did not produce the top-level directory.
	ErrMissingTopLevel = errors.New("archive did not contain the release directory")
)

const (
	// defaultDirMode is used for parent directories missing from the archive.
	defaultDirMode os.FileMode = 0o755
)

// Result summarizes an extraction.
type Result struct {
	// Dir is the directory the release ended up in.
	Dir string
	// Entries is the number of archive entries written.
	Entries int
}

// Unpack extracts the .tar.gz at archivePath into dest/topLevel. Entries are
// written into a staging directory inside dest and the release directory is
// moved into place only after the whole archive unpacked. On failure nothing
// is left in dest.
func Unpack(ctx context.Context, archivePath, dest, topLevel string) (*Result, error) {
	f, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	final := filepath.Join(dest, topLevel)
	if _, err = os.Lstat(final); err == nil {
		return nil, fmt.Errorf("%s: %w", final, os.ErrExist)
	}

	staging, err := os.MkdirTemp(dest, "."+topLevel+".partial-")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	defer func() {
		if removeErr := os.RemoveAll(staging); removeErr != nil {
			logger.WarnKV(ctx, "Could not remove staging directory", "path", staging, "error", removeErr)
		}
	}()

	result, err := Extract(ctx, f, staging, topLevel)
	if err != nil {
		return nil, err
	}

	if err = os.Rename(filepath.Join(staging, topLevel), final); err != nil {
		return nil, fmt.Errorf("move release into place: %w", err)
	}

	result.Dir = final

	return result, nil
}

// Extract unpacks a gzip-compressed tar stream into dest. Every entry must
// live under topLevel; writes go through an os.Root so links inside the
// archive cannot redirect them out of dest.
func Extract(ctx context.Context, r io.Reader, dest, topLevel string) (*Result, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}

	defer func() {
		_ = gz.Close()
	}()

	root, err := os.OpenRoot(dest)
	if err != nil {
		return nil, fmt.Errorf("open destination: %w", err)
	}

	defer func() {
		_ = root.Close()
	}()

	var (
		tr     = tar.NewReader(gz)
		result = &Result{Dir: filepath.Join(dest, topLevel)}
	)

	for {
		if err = ctx.Err(); err != nil {
			return result, err
		}

		var header *tar.Header

		header, err = tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return result, fmt.Errorf("read archive: %w", err)
		}

		// GitHub archives carry the commit id in a pax global header.
		if header.Typeflag == tar.TypeXGlobalHeader || header.Typeflag == tar.TypeXHeader {
			logger.DebugKV(ctx, "Skipped archive entry", "name", header.Name, "type", header.Typeflag)
			continue
		}

		var name string

		name, err = entryName(topLevel, header.Name)
		if err != nil {
			return result, err
		}

		if err = writeEntry(root, tr, header, topLevel, name); err != nil {
			return result, fmt.Errorf("%s: %w", header.Name, err)
		}

		result.Entries++
	}

	info, err := root.Stat(topLevel)
	if err != nil || !info.IsDir() {
		return result, fmt.Errorf("%s: %w", topLevel, ErrMissingTopLevel)
	}

	logger.DebugKV(ctx, "Extracted archive", "destination", result.Dir, "entries", result.Entries)

	return result, nil
}

// writeEntry materializes a single header under root.
func writeEntry(root *os.Root, tr *tar.Reader, header *tar.Header, topLevel, name string) error {
	mode := header.FileInfo().Mode().Perm()
	local := filepath.FromSlash(name)

	switch header.Typeflag {
	case tar.TypeDir:
		return root.MkdirAll(local, mode|0o700)
	case tar.TypeReg:
		return writeFile(root, tr, local, mode)
	case tar.TypeSymlink:
		if err := checkLinkTarget(topLevel, name, header.Linkname); err != nil {
			return err
		}

		if err := root.MkdirAll(filepath.Dir(local), defaultDirMode); err != nil {
			return err
		}

		return root.Symlink(header.Linkname, local)
	case tar.TypeLink:
		source, err := entryName(topLevel, header.Linkname)
		if err != nil {
			return err
		}

		if err = root.MkdirAll(filepath.Dir(local), defaultDirMode); err != nil {
			return err
		}

		return root.Link(filepath.FromSlash(source), local)
	default:
		return fmt.Errorf("type %q: %w", header.Typeflag, ErrUnsupportedEntry)
	}
}

func writeFile(root *os.Root, r io.Reader, name string, mode os.FileMode) error {
	if err := root.MkdirAll(filepath.Dir(name), defaultDirMode); err != nil {
		return err
	}

	f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// entryName cleans an archive name and requires it to live under topLevel.
func entryName(topLevel, name string) (string, error) {
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}

	cleaned := path.Clean(filepath.ToSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}

	if !within(topLevel, cleaned) {
		return "", fmt.Errorf("%s: %w", name, ErrUnexpectedEntry)
	}

	return cleaned, nil
}

// checkLinkTarget rejects symlinks resolving outside topLevel.
func checkLinkTarget(topLevel, name, linkname string) error {
	if path.IsAbs(linkname) || filepath.IsAbs(linkname) {
		return fmt.Errorf("%s -> %s: %w", name, linkname, ErrUnsafePath)
	}

	if !within(topLevel, path.Join(path.Dir(name), filepath.ToSlash(linkname))) {
		return fmt.Errorf("%s -> %s: %w", name, linkname, ErrUnsafePath)
	}

	return nil
}

// within reports whether the clean slash path p is topLevel or below it.
func within(topLevel, p string) bool {
	return p == topLevel || strings.HasPrefix(p, topLevel+"/")
}
