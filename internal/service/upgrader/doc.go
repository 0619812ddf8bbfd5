// Package upgrader upgrades a NetBox installation to a new release.
//
// A run is an ordered list of named steps: privilege check, lock, version
// discovery, version selection, download, extraction, configuration
// relinking, user data copy, database backup, cutover, vendor upgrade script
// and service restart. Relinking, copying, the vendor script and the restart
// only log their failures; every other step aborts the run with an Error
// whose Kind maps to the process exit code.
package upgrader
