package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/domain/release"
)

// newTestClient points a client at the test server with fast retries.
func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	cfg := &config.Config{
		LatestReleaseURL:   serverURL + "/releases/latest",
		ArchiveURLTemplate: serverURL + "/archive/v{version}.tar.gz",
		HTTPRetries:        2,
	}
	require.NoError(t, config.Validate(cfg))

	return NewClient(context.Background(), cfg,
		WithTempDir(t.TempDir()),
		WithRetryWait(time.Millisecond, 5*time.Millisecond))
}

// TestLatestVersion_FollowsNothingAndParsesLocation resolves the alias from the redirect.
func TestLatestVersion_FollowsNothingAndParsesLocation(t *testing.T) {
	t.Parallel()

	var tagHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		require.Contains(t, r.UserAgent(), "netbox-upgrade/")
		http.Redirect(w, r, "/releases/tag/v2.9.9", http.StatusFound)
	})
	mux.HandleFunc("/releases/tag/", func(w http.ResponseWriter, _ *http.Request) {
		tagHits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	v, err := newTestClient(t, ts.URL).LatestVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2.9.9", v.String())
	require.Zero(t, tagHits.Load())
}

// TestLatestVersion_NoRedirect reports a missing redirect as an error.
func TestLatestVersion_NoRedirect(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	_, err := newTestClient(t, ts.URL).LatestVersion(context.Background())
	require.ErrorIs(t, err, ErrNoRedirect)
}

// TestParseLocation covers absolute, relative and malformed locations.
func TestParseLocation(t *testing.T) {
	t.Parallel()

	for location, want := range map[string]string{
		"https://github.com/netbox-community/netbox/releases/tag/v2.9.9": "2.9.9",
		"/netbox-community/netbox/releases/tag/v3.7.10/":                "3.7.10",
		"/releases/tag/4.0.0":                                           "4.0.0",
	} {
		v, err := ParseLocation(location)
		require.NoError(t, err, location)
		require.Equal(t, want, v.String())
	}

	for _, location := range []string{"/releases/tag/v4.0.0-beta1", "/releases", "/tag/release-2.9.9"} {
		_, err := ParseLocation(location)
		require.ErrorIs(t, err, release.ErrInvalidVersion, location)
	}
}

// TestDownload_WritesArtifact stores the response body in a temporary file.
func TestDownload_WritesArtifact(t *testing.T) {
	t.Parallel()

	body := []byte("not really a tarball")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/archive/v2.9.9.tar.gz", r.URL.Path)
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	path, size, err := newTestClient(t, ts.URL).Download(context.Background(), release.MustParse("2.9.9"))
	require.NoError(t, err)
	require.EqualValues(t, len(body), size)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, body, contents)
}

// TestDownload_EmptyArtifact keeps the empty file and reports it.
func TestDownload_EmptyArtifact(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	path, size, err := newTestClient(t, ts.URL).Download(context.Background(), release.MustParse("2.9.9"))
	require.ErrorIs(t, err, ErrEmptyArtifact)
	require.Zero(t, size)
	require.FileExists(t, path)
}

// TestDownload_NotFound rejects non-200 answers without retrying them.
func TestDownload_NotFound(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer ts.Close()

	_, _, err := newTestClient(t, ts.URL).Download(context.Background(), release.MustParse("9.9.9"))
	require.ErrorIs(t, err, ErrBadHTTPStatus)
	require.EqualValues(t, 1, hits.Load())
}

// TestDownload_RetriesServerErrors retries 5xx answers before succeeding.
func TestDownload_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write([]byte("payload"))
	}))
	defer ts.Close()

	_, size, err := newTestClient(t, ts.URL).Download(context.Background(), release.MustParse("2.9.9"))
	require.NoError(t, err)
	require.EqualValues(t, 7, size)
	require.EqualValues(t, 2, hits.Load())
}

// TestArchiveURL substitutes the version placeholder.
func TestArchiveURL(t *testing.T) {
	t.Parallel()

	c := NewClient(context.Background(), config.Default())
	require.Equal(t,
		"https://github.com/netbox-community/netbox/archive/v2.9.9.tar.gz",
		c.ArchiveURL(release.MustParse("2.9.9")))
}
