// Package upstream talks to the NetBox release host.
//
// It resolves the "latest" alias from the redirect the host answers with and
// downloads release tarballs into temporary files. Requests go through
// go-retryablehttp so transient failures are retried with backoff.
package upstream
