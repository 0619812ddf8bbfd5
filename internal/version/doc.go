// Package version exposes build metadata of netbox-upgrade.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. They show up in the `version` subcommand and in the
// User-Agent header sent to the release host.
package version
