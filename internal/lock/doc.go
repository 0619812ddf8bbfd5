// Package lock keeps two upgrades from running against the same
// installation at once.
//
// An advisory file lock inside the install root is the guard. The process
// table is scanned as well so that instances working on other roots, or
// left over from a crash, are at least reported.
package lock
