package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5"

	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/logger"
)

const (
	// BackupDirMode is used when the backup directory is created on demand.
	BackupDirMode os.FileMode = 0o750

	// BackupFileMode protects dumps, they contain every secret NetBox stores.
	BackupFileMode os.FileMode = 0o640

	// PartialSuffix marks a dump that is still being written.
	PartialSuffix = ".partial"

	// stderrLimit caps how much of the dump tool's stderr ends up in an error.
	stderrLimit = 2048
)

var (
	// ErrEmptyBackup is returned when the dump file is missing or has no content.
	ErrEmptyBackup = errors.New("database backup is missing or empty")
	// ErrDumpFailed is returned when the dump tool exits with an error.
	ErrDumpFailed = errors.New("database dump failed")
)

// Backuper dumps the database into a file.
type Backuper struct {
	// cfg describes the database and the dump tool.
	cfg config.Database
	// currentUser is the account running the upgrade, sudo is skipped when it matches.
	currentUser string
}

// NewBackuper returns a Backuper for the configured database.
func NewBackuper(cfg config.Database) *Backuper {
	b := &Backuper{cfg: cfg}

	if u, err := user.Current(); err == nil {
		b.currentUser = u.Username
	}

	return b
}

// Preflight connects with the configured DSN and returns the database size in bytes.
// It is a no-op returning zero when no DSN is configured.
func (b *Backuper) Preflight(ctx context.Context) (int64, error) {
	if b.cfg.DSN == "" {
		return 0, nil
	}

	conn, err := pgx.Connect(ctx, b.cfg.DSN)
	if err != nil {
		return 0, fmt.Errorf("connect to database: %w", err)
	}

	defer func() {
		_ = conn.Close(ctx)
	}()

	if err = conn.Ping(ctx); err != nil {
		return 0, fmt.Errorf("ping database: %w", err)
	}

	var size int64
	if err = conn.QueryRow(ctx, "SELECT pg_database_size(current_database())").Scan(&size); err != nil {
		return 0, fmt.Errorf("query database size: %w", err)
	}

	logger.InfoKV(ctx, "Database reachable", "size", humanize.Bytes(uint64(size)))

	return size, nil
}

// Backup dumps the database to path, creating its directory when needed, and
// returns the size of the dump. The dump is written to a sibling with the
// PartialSuffix and renamed into place only once it is complete and non-empty,
// so a failed dump never leaves a file under the backup name. An existing
// backup at path is never replaced.
func (b *Backuper) Backup(ctx context.Context, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), BackupDirMode); err != nil {
		return 0, fmt.Errorf("create backup directory: %w", err)
	}

	if _, err := os.Lstat(path); err == nil {
		return 0, fmt.Errorf("%s: %w", path, os.ErrExist)
	}

	partial := path + PartialSuffix

	// A leftover from an interrupted run is never a usable backup.
	if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove stale %s: %w", partial, err)
	}

	size, err := b.dumpVerified(ctx, partial)
	if err != nil {
		_ = os.Remove(partial)
		return 0, err
	}

	if err = os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("publish backup: %w", err)
	}

	logger.InfoKV(ctx, "Database backup written", "path", path, "size", humanize.Bytes(uint64(size)))

	return size, nil
}

func (b *Backuper) dumpVerified(ctx context.Context, partial string) (int64, error) {
	if err := b.dump(ctx, partial); err != nil {
		return 0, err
	}

	return Verify(partial)
}

// Command returns the argv of the dump for display and execution.
func (b *Backuper) Command() []string {
	args := []string{b.cfg.DumpCommand, b.cfg.Name}
	if b.cfg.SystemUser == "" || b.cfg.SystemUser == b.currentUser {
		return args
	}

	return append([]string{"sudo", "-u", b.cfg.SystemUser}, args...)
}

func (b *Backuper) dump(ctx context.Context, path string) error {
	out, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_EXCL, BackupFileMode)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}

	argv := b.Command()

	var stderr bytes.Buffer

	//nolint:gosec // The dump command comes from the administrator's settings.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = &stderr

	logger.InfoKV(ctx, "Dumping database", "command", strings.Join(argv, " "), "path", path)

	runErr := cmd.Run()
	closeErr := out.Close()

	if runErr != nil {
		message := strings.TrimSpace(stderr.String())
		if len(message) > stderrLimit {
			message = message[:stderrLimit]
		}

		return fmt.Errorf("%w: %w: %s", ErrDumpFailed, runErr, message)
	}

	if closeErr != nil {
		return fmt.Errorf("close backup file: %w", closeErr)
	}

	return nil
}

// Verify returns the size of a backup, failing when it is missing or empty.
func Verify(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", path, ErrEmptyBackup, err)
	}

	if !info.Mode().IsRegular() || info.Size() == 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrEmptyBackup)
	}

	return info.Size(), nil
}
