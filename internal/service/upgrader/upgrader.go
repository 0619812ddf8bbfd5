package upgrader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/juju/clock"

	"github.com/oshokin/netbox-upgrade/internal/archive"
	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/domain/release"
	"github.com/oshokin/netbox-upgrade/internal/install"
	"github.com/oshokin/netbox-upgrade/internal/lock"
	"github.com/oshokin/netbox-upgrade/internal/logger"
	"github.com/oshokin/netbox-upgrade/internal/prompt"
	"github.com/oshokin/netbox-upgrade/internal/repository/history"
	"github.com/oshokin/netbox-upgrade/internal/systemd"
)

var (
	errNotRoot = errors.New("this program must be run as root")
	errNoInput = errors.New("no target version given and no terminal to ask for one")
)

// ReleaseSource resolves and downloads releases.
type ReleaseSource interface {
	LatestVersion(ctx context.Context) (release.Version, error)
	Download(ctx context.Context, v release.Version) (string, int64, error)
}

// DatabaseBackuper takes the pre-cutover dump.
type DatabaseBackuper interface {
	Preflight(ctx context.Context) (int64, error)
	Backup(ctx context.Context, path string) (int64, error)
}

// ServiceManager restarts and inspects the NetBox services.
type ServiceManager interface {
	Restart(ctx context.Context, services []string) error
	Status(ctx context.Context, services []string) ([]systemd.UnitState, error)
}

// ScriptRunner executes the vendor upgrade script inside dir.
type ScriptRunner func(ctx context.Context, dir, script string, stdout, stderr io.Writer) error

// Dependencies are the collaborators of a run. Nil fields get production defaults
// where one exists; Source, Database and Services are required.
type Dependencies struct {
	// Source downloads releases.
	Source ReleaseSource
	// Database takes the backup.
	Database DatabaseBackuper
	// Services restarts NetBox.
	Services ServiceManager
	// Input asks for the target version; nil means non-interactive.
	Input prompt.LineReader
	// Output receives prompt feedback, script output and the service summary.
	Output io.Writer
	// RunScript runs the vendor upgrade script.
	RunScript ScriptRunner
	// Clock stamps the backup and the history record.
	Clock clock.Clock
	// Geteuid reports the effective user id.
	Geteuid func() int
	// History records completed upgrades.
	History history.Repository
}

// Request selects what a run does.
type Request struct {
	// Target is the version or "latest"; empty means ask interactively.
	Target string
	// DryRun stops after selection and only logs the plan.
	DryRun bool
}

// Report summarizes a finished run.
type Report struct {
	// From is the version live before the run.
	From release.Version
	// To is the selected version.
	To release.Version
	// Backup is the dump path; empty on a dry run.
	Backup string
	// Services is the unit state after the restart, when it could be read.
	Services []systemd.UnitState
	// Warnings collects failures of best-effort steps.
	Warnings []error
}

// Upgrader runs upgrades against one installation.
type Upgrader struct {
	cfg    *config.Config
	deps   Dependencies
	layout release.Layout
}

// New prepares an Upgrader for the installation described by cfg.
func New(cfg *config.Config, deps Dependencies) *Upgrader {
	if deps.Output == nil {
		deps.Output = os.Stdout
	}

	if deps.RunScript == nil {
		deps.RunScript = RunScript
	}

	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}

	if deps.Geteuid == nil {
		deps.Geteuid = os.Geteuid
	}

	if deps.History == nil {
		deps.History = history.NewFileRepository(filepath.Join(cfg.BackupDir, history.Filename))
	}

	return &Upgrader{
		cfg:  cfg,
		deps: deps,
		layout: release.Layout{
			Root:            cfg.InstallRoot,
			CurrentLinkName: cfg.CurrentLink,
			BackupDir:       cfg.BackupDir,
		},
	}
}

// run is the mutable state of a single execution.
type run struct {
	req        Request
	report     *Report
	startedAt  time.Time
	lock       *lock.Lock
	currentDir string
	latest     release.Version
	artifact   string
	versionDir string
	// extracted is set once this run moved the release into versionDir.
	extracted bool
	cutover    bool
}

// step is one stage of the pipeline.
type step struct {
	name string
	run  func(ctx context.Context, r *run) error
}

// Run executes the pipeline. The returned report is never nil.
func (u *Upgrader) Run(ctx context.Context, req Request) (*Report, error) {
	r := &run{
		req:       req,
		report:    new(Report),
		startedAt: u.deps.Clock.Now(),
	}

	defer u.cleanup(ctx, r)

	steps := []step{
		{name: "privilege", run: u.checkPrivilege},
		{name: "lock", run: u.acquireLock},
		{name: "discover", run: u.discoverVersions},
		{name: "select", run: u.selectVersion},
		{name: "download", run: u.download},
		{name: "extract", run: u.extract},
		{name: "relink", run: u.relinkConfiguration},
		{name: "copy", run: u.copyUserData},
		{name: "backup", run: u.backupDatabase},
		{name: "cutover", run: u.switchCurrent},
		{name: "upgrade-script", run: u.runUpgradeScript},
		{name: "restart", run: u.restartServices},
	}

	for _, s := range steps {
		stepCtx := logger.WithName(ctx, s.name)

		if err := ctx.Err(); err != nil {
			return r.report, err
		}

		if err := s.run(stepCtx, r); err != nil {
			return r.report, err
		}

		if req.DryRun && s.name == "select" {
			u.logPlan(stepCtx, r)
			return r.report, nil
		}
	}

	logger.InfoKV(ctx, "Upgrade completed",
		"from", r.report.From.String(), "to", r.report.To.String(), "warnings", len(r.report.Warnings))

	return r.report, nil
}

func (u *Upgrader) checkPrivilege(_ context.Context, _ *run) error {
	if u.deps.Geteuid() != 0 {
		return fail(KindPrivilege, "privilege", errNotRoot)
	}

	return nil
}

func (u *Upgrader) acquireLock(ctx context.Context, r *run) error {
	l, err := lock.Acquire(ctx, u.layout.Root)
	if err != nil {
		return fail(KindLock, "lock", err)
	}

	r.lock = l

	return nil
}

func (u *Upgrader) discoverVersions(ctx context.Context, r *run) error {
	current, dir, err := install.CurrentVersion(u.layout)
	if err != nil {
		return fail(KindDetection, "discover", err)
	}

	r.report.From = current
	r.currentDir = dir

	logger.InfoKV(ctx, "Detected installed version", "version", current.String(), "path", dir)

	latest, err := u.deps.Source.LatestVersion(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Could not resolve the latest release, it has to be named explicitly", "error", err)
		return nil
	}

	r.latest = latest

	logger.InfoKV(ctx, "Latest upstream release", "version", latest.String())

	return nil
}

func (u *Upgrader) selectVersion(ctx context.Context, r *run) error {
	var (
		target release.Version
		err    error
	)

	switch {
	case r.req.Target != "":
		target, err = prompt.Resolve(r.req.Target, r.latest)
	case u.deps.Input != nil:
		target, err = prompt.AskVersion(ctx, u.deps.Input, u.deps.Output, r.latest)
	default:
		err = errNoInput
	}

	if err != nil {
		return fail(KindInput, "select", err)
	}

	if target.LessThan(r.report.From) {
		logger.WarnKV(ctx, "Selected version is older than the installed one",
			"installed", r.report.From.String(), "selected", target.String())
	}

	r.report.To = target
	r.versionDir = u.layout.VersionDir(target)

	logger.InfoKV(ctx, "Selected version", "version", target.String(), "path", r.versionDir)

	return nil
}

func (u *Upgrader) download(ctx context.Context, r *run) error {
	path, _, err := u.deps.Source.Download(ctx, r.report.To)
	// An empty download still leaves a file behind for cleanup.
	r.artifact = path

	if err != nil {
		return fail(KindDownload, "download", err)
	}

	return nil
}

func (u *Upgrader) extract(ctx context.Context, r *run) error {
	if _, err := os.Lstat(r.versionDir); err == nil {
		return fail(KindCollision, "extract", fmt.Errorf("%s: %w", r.versionDir, os.ErrExist))
	} else if !errors.Is(err, os.ErrNotExist) {
		return fail(KindCollision, "extract", err)
	}

	result, err := archive.Unpack(ctx, r.artifact, u.layout.Root, release.DirName(r.report.To))
	if err != nil {
		return fail(KindExtraction, "extract", err)
	}

	r.extracted = true

	logger.InfoKV(ctx, "Extracted release", "path", result.Dir, "entries", result.Entries)

	return nil
}

func (u *Upgrader) relinkConfiguration(ctx context.Context, r *run) error {
	err := install.LinkConfigFiles(ctx, u.cfg.ConfigDir, r.versionDir, u.cfg.LinkedFiles)
	r.warn(ctx, "Relinking configuration failed", err)

	return nil
}

func (u *Upgrader) copyUserData(ctx context.Context, r *run) error {
	err := install.CopyUserData(ctx, r.currentDir, r.versionDir, u.cfg.CopiedPaths)
	r.warn(ctx, "Copying user data failed", err)

	return nil
}

func (u *Upgrader) backupDatabase(ctx context.Context, r *run) error {
	if _, err := u.deps.Database.Preflight(ctx); err != nil {
		return fail(KindBackup, "backup", err)
	}

	path := u.layout.BackupFile(r.report.From, u.deps.Clock.Now())

	if _, err := u.deps.Database.Backup(ctx, path); err != nil {
		return fail(KindBackup, "backup", err)
	}

	r.report.Backup = path

	return nil
}

func (u *Upgrader) switchCurrent(ctx context.Context, r *run) error {
	if err := install.Cutover(u.layout, r.versionDir); err != nil {
		return fail(KindCutover, "cutover", err)
	}

	r.cutover = true

	logger.InfoKV(ctx, "Switched current version", "link", u.layout.CurrentLink(), "target", r.versionDir)

	record := history.Record{
		From:       r.report.From,
		To:         r.report.To,
		Backup:     r.report.Backup,
		StartedAt:  r.startedAt,
		FinishedAt: u.deps.Clock.Now(),
	}

	if operator, err := history.DetectOperator(); err == nil {
		record.Operator = operator
	} else {
		logger.DebugKV(ctx, "Could not identify the operator", "error", err)
	}

	r.warn(ctx, "Recording upgrade history failed", u.deps.History.Append(ctx, record))

	return nil
}

func (u *Upgrader) runUpgradeScript(ctx context.Context, r *run) error {
	logger.InfoKV(ctx, "Running vendor upgrade script", "script", u.cfg.UpgradeScript)

	err := u.deps.RunScript(ctx, u.layout.CurrentLink(), u.cfg.UpgradeScript, u.deps.Output, u.deps.Output)
	r.warn(ctx, "Vendor upgrade script failed", err)

	return nil
}

func (u *Upgrader) restartServices(ctx context.Context, r *run) error {
	r.warn(ctx, "Restarting services failed", u.deps.Services.Restart(ctx, u.cfg.Services))

	states, err := u.deps.Services.Status(ctx, u.cfg.Services)
	if err != nil {
		r.warn(ctx, "Reading service status failed", err)
		return nil
	}

	r.report.Services = states

	for _, state := range states {
		_, _ = fmt.Fprintln(u.deps.Output, state.String())
	}

	return nil
}

// logPlan describes what a real run would do after selection.
func (u *Upgrader) logPlan(ctx context.Context, r *run) {
	logger.InfoKV(ctx, "Dry run, stopping before any change",
		"from", r.report.From.String(),
		"to", r.report.To.String(),
		"extract_to", r.versionDir,
		"backup", u.layout.BackupFile(r.report.From, u.deps.Clock.Now()),
		"services", u.cfg.Services)
}

// cleanup removes the artifact, drops a version directory that never went
// live, and releases the lock. Nothing after the cutover is undone.
func (u *Upgrader) cleanup(ctx context.Context, r *run) {
	if r.artifact != "" {
		if err := os.Remove(r.artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Could not remove downloaded artifact", "path", r.artifact, "error", err)
		}
	}

	if r.extracted && !r.cutover && r.versionDir != "" {
		logger.InfoKV(ctx, "Removing version directory that never went live", "path", r.versionDir)

		if err := os.RemoveAll(r.versionDir); err != nil {
			logger.WarnKV(ctx, "Could not remove version directory", "path", r.versionDir, "error", err)
		}
	}

	if err := r.lock.Release(); err != nil {
		logger.WarnKV(ctx, "Could not release upgrade lock", "error", err)
	}
}

// warn records a best-effort failure and logs it.
func (r *run) warn(ctx context.Context, message string, err error) {
	if err == nil {
		return
	}

	r.report.Warnings = append(r.report.Warnings, err)
	logger.WarnKV(ctx, message, "error", err)
}

// RunScript runs script inside dir, streaming its output. Relative scripts
// are resolved against dir.
func RunScript(ctx context.Context, dir, script string, stdout, stderr io.Writer) error {
	name := script
	if !filepath.IsAbs(name) {
		name = "./" + filepath.Clean(name)
	}

	//nolint:gosec // The script path comes from the administrator's settings.
	cmd := exec.CommandContext(ctx, name)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s in %s: %w", script, dir, err)
	}

	return nil
}
