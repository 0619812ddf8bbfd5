// Package history persists a journal of completed upgrades.
//
// The FileRepository keeps the records as a YAML list next to the database
// backups, so the dump belonging to a given cutover can be found again.
package history
