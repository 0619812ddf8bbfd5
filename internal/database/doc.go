// Package database takes the pre-cutover backup of the NetBox database.
//
// The dump itself is delegated to pg_dump running as the database system
// account. Output goes to a .partial file that only gets the backup name once
// the dump succeeded and is non-empty. When a DSN is configured, a pgx
// connection checks reachability first and reports the size of the database
// about to be dumped.
package database
