package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/domain/release"
	"github.com/oshokin/netbox-upgrade/internal/logger"
	"github.com/oshokin/netbox-upgrade/internal/version"
)

var (
	// ErrBadHTTPStatus is returned for responses other than the expected ones.
	ErrBadHTTPStatus = errors.New("unexpected http status")
	// ErrNoRedirect is returned when the latest release URL does not redirect.
	ErrNoRedirect = errors.New("latest release URL did not redirect")
	// ErrEmptyArtifact is returned when a download produced no bytes.
	ErrEmptyArtifact = errors.New("downloaded artifact is empty")
)

// tagPattern finds the version at the end of a redirect location such as .../releases/tag/v2.9.9.
var tagPattern = regexp.MustCompile(`^v?(\d+\.\d+\.\d+)$`)

// Client fetches release metadata and artifacts.
type Client struct {
	// http is the retrying client shared by all requests.
	http *retryablehttp.Client
	// latestURL redirects to the newest release tag.
	latestURL string
	// archiveTemplate carries the {version} placeholder.
	archiveTemplate string
	// tempDir receives downloads; empty means the OS default.
	tempDir string
}

// Option configures the client.
type Option func(*Client)

// WithTempDir sets the directory for downloaded artifacts.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tempDir = dir
	}
}

// WithRetryWait overrides the backoff bounds, mostly for tests.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// NewClient builds a client from the release settings.
func NewClient(ctx context.Context, cfg *config.Config, opts ...Option) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = cfg.HTTPTimeout
	// HEAD is only used to read the redirect of the latest release URL.
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > 0 && via[0].Method == http.MethodHead {
			return http.ErrUseLastResponse
		}

		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}

		return nil
	}

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = httpClient
	retrying.RetryMax = max(cfg.HTTPRetries, 0)
	retrying.Logger = newLeveledLogger(ctx)

	c := &Client{
		http:            retrying,
		latestURL:       cfg.LatestReleaseURL,
		archiveTemplate: cfg.ArchiveURLTemplate,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ArchiveURL renders the tarball URL of a release.
func (c *Client) ArchiveURL(v release.Version) string {
	return strings.ReplaceAll(c.archiveTemplate, config.VersionPlaceholder, v.String())
}

// LatestVersion resolves the newest release from the redirect of the latest release URL.
func (c *Client) LatestVersion(ctx context.Context) (release.Version, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.latestURL)
	if err != nil {
		return release.Version{}, err
	}

	response, err := c.http.Do(req)
	if err != nil {
		return release.Version{}, fmt.Errorf("resolve latest release: %w", err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < http.StatusMultipleChoices || response.StatusCode >= http.StatusBadRequest {
		return release.Version{}, fmt.Errorf("%s, %s: %w", c.latestURL, response.Status, ErrNoRedirect)
	}

	location := response.Header.Get("Location")
	if location == "" {
		return release.Version{}, fmt.Errorf("%s: %w", c.latestURL, ErrNoRedirect)
	}

	return ParseLocation(location)
}

// ParseLocation reads the release version from a redirect location.
func ParseLocation(location string) (release.Version, error) {
	tag := location
	if parsed, err := url.Parse(location); err == nil {
		tag = parsed.Path
	}

	match := tagPattern.FindStringSubmatch(path.Base(tag))
	if match == nil {
		return release.Version{}, fmt.Errorf("location %q: %w", location, release.ErrInvalidVersion)
	}

	return release.Parse(match[1])
}

// Download fetches the release tarball into a temporary file and returns its path and size.
// The file is removed again on failure, except when the download itself was empty:
// the caller owns it then and decides what to do with it.
func (c *Client) Download(ctx context.Context, v release.Version) (string, int64, error) {
	archiveURL := c.ArchiveURL(v)

	req, err := c.newRequest(ctx, http.MethodGet, archiveURL)
	if err != nil {
		return "", 0, err
	}

	logger.InfoKV(ctx, "Downloading release", "url", archiveURL)

	response, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("download %s: %w", archiveURL, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%s, %s: %w", archiveURL, response.Status, ErrBadHTTPStatus)
	}

	outputFile, err := os.CreateTemp(c.tempDir, release.DirName(v)+"-*.tar.gz")
	if err != nil {
		return "", 0, fmt.Errorf("create temporary artifact: %w", err)
	}

	written, err := io.Copy(outputFile, response.Body)
	if closeErr := outputFile.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(outputFile.Name())
		return "", 0, fmt.Errorf("write %s: %w", outputFile.Name(), err)
	}

	if written == 0 {
		return outputFile.Name(), 0, fmt.Errorf("%s: %w", archiveURL, ErrEmptyArtifact)
	}

	logger.InfoKV(ctx, "Downloaded release",
		"path", outputFile.Name(), "size", humanize.Bytes(uint64(written)))

	return outputFile.Name(), written, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	return req, nil
}
