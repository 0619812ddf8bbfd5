package upgrader

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/netbox-upgrade/internal/archive"
	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/domain/release"
	"github.com/oshokin/netbox-upgrade/internal/lock"
	"github.com/oshokin/netbox-upgrade/internal/repository/history"
	"github.com/oshokin/netbox-upgrade/internal/systemd"
)

var (
	errEmptyDownload = errors.New("downloaded artifact is empty")
	errEmptyDump     = errors.New("database dump is empty")
)

// fakeSource serves a prepared tarball.
type fakeSource struct {
	dir       string
	latest    release.Version
	latestErr error
	archive   []byte
	downloads int
}

func (s *fakeSource) LatestVersion(context.Context) (release.Version, error) {
	return s.latest, s.latestErr
}

func (s *fakeSource) Download(_ context.Context, v release.Version) (string, int64, error) {
	s.downloads++

	path := filepath.Join(s.dir, "netbox-"+v.String()+".tar.gz")
	if err := os.WriteFile(path, s.archive, 0o600); err != nil {
		return "", 0, err
	}

	if len(s.archive) == 0 {
		return path, 0, errEmptyDownload
	}

	return path, int64(len(s.archive)), nil
}

// fakeDatabase writes dump as the backup contents.
type fakeDatabase struct {
	dump     string
	backups  []string
	checkErr error
}

func (d *fakeDatabase) Preflight(context.Context) (int64, error) {
	return 0, d.checkErr
}

func (d *fakeDatabase) Backup(_ context.Context, path string) (int64, error) {
	d.backups = append(d.backups, path)

	if d.dump == "" {
		return 0, errEmptyDump
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, err
	}

	if err := os.WriteFile(path, []byte(d.dump), 0o640); err != nil {
		return 0, err
	}

	return int64(len(d.dump)), nil
}

// fakeServices pretends every restart succeeds.
type fakeServices struct {
	restarted []string
}

func (s *fakeServices) Restart(_ context.Context, services []string) error {
	s.restarted = append(s.restarted, services...)
	return nil
}

func (s *fakeServices) Status(_ context.Context, services []string) ([]systemd.UnitState, error) {
	states := make([]systemd.UnitState, 0, len(services))
	for _, service := range services {
		states = append(states, systemd.UnitState{
			Name:        systemd.UnitName(service),
			LoadState:   "loaded",
			ActiveState: "active",
			SubState:    "running",
		})
	}

	return states, nil
}

// scriptedReader answers prompts from a fixed list and then reports EOF.
type scriptedReader struct {
	lines   []string
	prompts int
}

func (r *scriptedReader) ReadLine(string) (string, error) {
	r.prompts++

	if len(r.lines) == 0 {
		return "", io.EOF
	}

	line := r.lines[0]
	r.lines = r.lines[1:]

	return line, nil
}

// fixture is an installation with netbox-2.9.8 live.
type fixture struct {
	root     string
	cfg      *config.Config
	source   *fakeSource
	database *fakeDatabase
	services *fakeServices
	output   *bytes.Buffer
	scripts  []string
	clock    *testclock.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	configDir := t.TempDir()

	live := filepath.Join(root, "netbox-2.9.8")
	require.NoError(t, os.MkdirAll(filepath.Join(live, "netbox", "media"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(live, "netbox", "media", "logo.png"), []byte("png"), 0o644))
	require.NoError(t, os.Symlink(live, filepath.Join(root, config.DefaultCurrentLink)))

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "configuration.py"), []byte("SECRET_KEY = 'x'\n"), 0o640))

	cfg := &config.Config{
		InstallRoot: root,
		ConfigDir:   configDir,
		CopiedPaths: []string{"netbox/media"},
		LinkedFiles: []config.LinkedFile{
			{Source: "configuration.py", Target: "netbox/netbox/configuration.py"},
		},
	}
	require.NoError(t, config.Validate(cfg))

	return &fixture{
		root: root,
		cfg:  cfg,
		source: &fakeSource{
			dir:     t.TempDir(),
			latest:  release.MustParse("2.9.9"),
			archive: releaseArchive(t, "2.9.9"),
		},
		database: &fakeDatabase{dump: "-- PostgreSQL database dump\n"},
		services: new(fakeServices),
		output:   new(bytes.Buffer),
		clock:    testclock.NewClock(time.Date(2024, time.May, 17, 9, 30, 0, 0, time.UTC)),
	}
}

func (f *fixture) upgrader(input *scriptedReader) *Upgrader {
	deps := Dependencies{
		Source:   f.source,
		Database: f.database,
		Services: f.services,
		Output:   f.output,
		Clock:    f.clock,
		Geteuid:  func() int { return 0 },
	}

	deps.RunScript = func(_ context.Context, dir, script string, _, _ io.Writer) error {
		f.scripts = append(f.scripts, filepath.Join(dir, script))
		return nil
	}

	if input != nil {
		deps.Input = input
	}

	return New(f.cfg, deps)
}

func (f *fixture) currentTarget(t *testing.T) string {
	t.Helper()

	target, err := os.Readlink(filepath.Join(f.root, config.DefaultCurrentLink))
	require.NoError(t, err)

	return filepath.Base(target)
}

// releaseArchive builds a minimal NetBox release tarball.
func releaseArchive(t *testing.T, version string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	top := "netbox-" + version + "/"
	files := map[string]string{
		top + "upgrade.sh":                "#!/bin/sh\nexit 0\n",
		top + "netbox/netbox/__init__.py": "",
		top + "README.md":                 "NetBox " + version + "\n",
	}

	for _, dir := range []string{top, top + "netbox/", top + "netbox/netbox/"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: dir, Typeflag: tar.TypeDir, Mode: 0o755}))
	}

	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o755,
			Size:     int64(len(body)),
		}))

		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

// linkingArchive points a link at the live release and writes through it.
func linkingArchive(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "netbox-2.9.9/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "netbox-2.9.9/old", Typeflag: tar.TypeSymlink, Linkname: "../netbox-2.9.8", Mode: 0o777}))

	body := "OVERWRITTEN"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "netbox-2.9.9/old/local_requirements.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(body)),
	}))

	_, err := tw.Write([]byte(body))
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

// rootEntries lists the names directly inside the install root.
func rootEntries(t *testing.T, root string) []string {
	t.Helper()

	entries, err := os.ReadDir(root)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

// TestRunUpgradesEndToEnd walks the whole pipeline from 2.9.8 to 2.9.9.
func TestRunUpgradesEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	input := &scriptedReader{lines: []string{"2.9.9"}}

	report, err := f.upgrader(input).Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Empty(t, report.Warnings)

	require.Equal(t, "2.9.8", report.From.String())
	require.Equal(t, "2.9.9", report.To.String())
	require.Equal(t, "netbox-2.9.9", f.currentTarget(t))

	expectedBackup := filepath.Join(f.root, "backup", "netbox-2.9.8-202405170930.psql")
	require.Equal(t, expectedBackup, report.Backup)
	require.FileExists(t, expectedBackup)

	newDir := filepath.Join(f.root, "netbox-2.9.9")
	require.FileExists(t, filepath.Join(newDir, "netbox", "media", "logo.png"))

	link, err := os.Readlink(filepath.Join(newDir, "netbox", "netbox", "configuration.py"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(f.cfg.ConfigDir, "configuration.py"), link)

	require.Equal(t, []string{filepath.Join(f.root, "current", "upgrade.sh")}, f.scripts)
	require.Equal(t, []string{"netbox", "netbox-rq"}, f.services.restarted)
	require.Contains(t, f.output.String(), "netbox.service: active (running)")
	require.Contains(t, f.output.String(), "netbox-rq.service: active (running)")

	records, err := history.NewFileRepository(filepath.Join(f.root, "backup", history.Filename)).List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "2.9.8", records[0].From.String())
	require.Equal(t, "2.9.9", records[0].To.String())
	require.Equal(t, expectedBackup, records[0].Backup)

	// The downloaded artifact never outlives the run.
	leftovers, err := os.ReadDir(f.source.dir)
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

// TestRunRepromptsOnInvalidInput keeps asking until a version is typed.
func TestRunRepromptsOnInvalidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	input := &scriptedReader{lines: []string{"abc", "2.9", "v2.9.9", "2.9.9"}}

	report, err := f.upgrader(input).Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 4, input.prompts)
	require.Equal(t, "2.9.9", report.To.String())
	require.Equal(t, 3, bytes.Count(f.output.Bytes(), []byte("is not a valid version")))
}

// TestRunResolvesLatest takes the version from the upstream redirect.
func TestRunResolvesLatest(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		input string
		req   Request
	}{
		"prompt alias":   {input: "latest"},
		"prompt default": {input: ""},
		"flag alias":     {req: Request{Target: "latest"}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			var input *scriptedReader
			if tc.req.Target == "" {
				input = &scriptedReader{lines: []string{tc.input}}
			}

			report, err := f.upgrader(input).Run(context.Background(), tc.req)
			require.NoError(t, err)
			require.Equal(t, "2.9.9", report.To.String())
			require.Equal(t, "netbox-2.9.9", f.currentTarget(t))
		})
	}
}

// TestRunWithoutLatestAsksForExplicitVersion treats an unreachable redirect as a missing alias.
func TestRunWithoutLatestAsksForExplicitVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.latest = release.Version{}
	f.source.latestErr = errors.New("connection refused")

	input := &scriptedReader{lines: []string{"latest", "2.9.9"}}

	report, err := f.upgrader(input).Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 2, input.prompts)
	require.Equal(t, "2.9.9", report.To.String())
}

// TestRunRequiresRoot aborts before touching anything.
func TestRunRequiresRoot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	u := f.upgrader(&scriptedReader{lines: []string{"2.9.9"}})
	u.deps.Geteuid = func() int { return 1000 }

	_, err := u.Run(context.Background(), Request{})
	require.Error(t, err)
	require.Equal(t, 1, ExitCode(err))

	var upgradeErr *Error
	require.ErrorAs(t, err, &upgradeErr)
	require.Equal(t, KindPrivilege, upgradeErr.Kind)
	require.Zero(t, f.source.downloads)
	require.NoFileExists(t, filepath.Join(f.root, ".netbox-upgrade.lock"))
}

// TestRunInputFailures covers end of input and malformed flags.
func TestRunInputFailures(t *testing.T) {
	t.Parallel()

	t.Run("end of input", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		_, err := f.upgrader(&scriptedReader{lines: []string{"nope"}}).Run(context.Background(), Request{})
		require.ErrorIs(t, err, io.EOF)
		require.Equal(t, 1, ExitCode(err))
		require.Zero(t, f.source.downloads)
	})

	t.Run("invalid target flag", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		_, err := f.upgrader(nil).Run(context.Background(), Request{Target: "2.9.x"})
		require.ErrorIs(t, err, release.ErrInvalidVersion)
		require.Equal(t, 1, ExitCode(err))
	})

	t.Run("no terminal", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		_, err := f.upgrader(nil).Run(context.Background(), Request{})
		require.ErrorIs(t, err, errNoInput)
		require.Equal(t, 1, ExitCode(err))
	})
}

// TestRunMissingCurrentLink is a detection failure.
func TestRunMissingCurrentLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.root, config.DefaultCurrentLink)))

	_, err := f.upgrader(nil).Run(context.Background(), Request{Target: "2.9.9"})

	var upgradeErr *Error
	require.ErrorAs(t, err, &upgradeErr)
	require.Equal(t, KindDetection, upgradeErr.Kind)
	require.Equal(t, 1, ExitCode(err))
}

// TestRunEmptyDownload stops before extraction.
func TestRunEmptyDownload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.archive = nil

	_, err := f.upgrader(nil).Run(context.Background(), Request{Target: "2.9.9"})
	require.ErrorIs(t, err, errEmptyDownload)
	require.Equal(t, 1, ExitCode(err))

	require.NoDirExists(t, filepath.Join(f.root, "netbox-2.9.9"))
	require.Empty(t, f.database.backups)
	require.Equal(t, "netbox-2.9.8", f.currentTarget(t))

	leftovers, err := os.ReadDir(f.source.dir)
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

// TestRunDirectoryCollision leaves the existing directory alone.
func TestRunDirectoryCollision(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	existing := filepath.Join(f.root, "netbox-2.9.9")
	require.NoError(t, os.Mkdir(existing, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(existing, "marker"), []byte("keep"), 0o644))

	_, err := f.upgrader(nil).Run(context.Background(), Request{Target: "2.9.9"})
	require.ErrorIs(t, err, os.ErrExist)
	require.Equal(t, 2, ExitCode(err))

	require.FileExists(t, filepath.Join(existing, "marker"))
	require.NoFileExists(t, filepath.Join(existing, "upgrade.sh"))
	require.Equal(t, "netbox-2.9.8", f.currentTarget(t))
}

// TestRunWrongArchiveLayout fails when the tarball has another top-level directory
// and leaves nothing of it behind.
func TestRunWrongArchiveLayout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.archive = releaseArchive(t, "3.0.0")

	_, err := f.upgrader(nil).Run(context.Background(), Request{Target: "2.9.9"})
	require.ErrorIs(t, err, archive.ErrUnexpectedEntry)
	require.Equal(t, 3, ExitCode(err))
	require.Equal(t, "netbox-2.9.8", f.currentTarget(t))
	require.ElementsMatch(t, []string{"current", "netbox-2.9.8", lock.Filename}, rootEntries(t, f.root))
}

// TestRunLinkIntoLiveVersion refuses an archive that links into the live release.
func TestRunLinkIntoLiveVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	live := filepath.Join(f.root, "netbox-2.9.8", "local_requirements.txt")
	require.NoError(t, os.WriteFile(live, []byte("LIVE"), 0o644))

	f.source.archive = linkingArchive(t)

	_, err := f.upgrader(nil).Run(context.Background(), Request{Target: "2.9.9"})
	require.ErrorIs(t, err, archive.ErrUnsafePath)
	require.Equal(t, 3, ExitCode(err))

	contents, err := os.ReadFile(live)
	require.NoError(t, err)
	require.Equal(t, "LIVE", string(contents))
	require.ElementsMatch(t, []string{"current", "netbox-2.9.8", lock.Filename}, rootEntries(t, f.root))
}

// TestRunBackupFailures keep the live version and drop the unused extraction.
func TestRunBackupFailures(t *testing.T) {
	t.Parallel()

	for name, setup := range map[string]func(d *fakeDatabase){
		"empty dump":       func(d *fakeDatabase) { d.dump = "" },
		"preflight failed": func(d *fakeDatabase) { d.checkErr = errors.New("connection refused") },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			setup(f.database)

			_, err := f.upgrader(nil).Run(context.Background(), Request{Target: "2.9.9"})
			require.Error(t, err)
			require.Equal(t, 4, ExitCode(err))

			require.Equal(t, "netbox-2.9.8", f.currentTarget(t))
			require.NoDirExists(t, filepath.Join(f.root, "netbox-2.9.9"))
			require.NoFileExists(t, filepath.Join(f.root, "backup", history.Filename))
			require.Empty(t, f.scripts)
			require.Empty(t, f.services.restarted)
		})
	}
}

// TestRunDryRun stops after selection.
func TestRunDryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	report, err := f.upgrader(nil).Run(context.Background(), Request{Target: "latest", DryRun: true})
	require.NoError(t, err)
	require.Equal(t, "2.9.9", report.To.String())
	require.Empty(t, report.Backup)

	require.Zero(t, f.source.downloads)
	require.Empty(t, f.database.backups)
	require.NoDirExists(t, filepath.Join(f.root, "netbox-2.9.9"))
	require.Equal(t, "netbox-2.9.8", f.currentTarget(t))
}

// TestRunBestEffortFailures continue with warnings.
func TestRunBestEffortFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cfg.CopiedPaths = []string{"netbox/missing"}

	u := f.upgrader(nil)
	u.deps.RunScript = func(context.Context, string, string, io.Writer, io.Writer) error {
		return errors.New("exit status 1")
	}

	report, err := u.Run(context.Background(), Request{Target: "2.9.9"})
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	require.Equal(t, "netbox-2.9.9", f.currentTarget(t))
	require.Equal(t, []string{"netbox", "netbox-rq"}, f.services.restarted)
}

// TestRunCancelled stops between steps.
func TestRunCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.upgrader(nil).Run(ctx, Request{Target: "2.9.9"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, f.source.downloads)
}

// TestRunScript executes the script inside the directory.
// Not parallel: executing a file that was just written races with other writers (ETXTBSY).
func TestRunScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upgrade.sh"), []byte("#!/bin/sh\npwd\n"), 0o755))

	var out bytes.Buffer
	require.NoError(t, RunScript(context.Background(), dir, "upgrade.sh", &out, &out))

	require.Contains(t, out.String(), filepath.Base(dir))

	require.Error(t, RunScript(context.Background(), dir, "missing.sh", &out, &out))
}
