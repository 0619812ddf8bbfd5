// Package install manipulates the NetBox tree on disk: it reads the live
// version from the current symlink, links site configuration into a new
// version, carries user data over from the previous version and performs
// the cutover by atomically replacing the current symlink.
package install
