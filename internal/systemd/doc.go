// Package systemd restarts NetBox services and reports their state through
// the systemd D-Bus API.
package systemd
