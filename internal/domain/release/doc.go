// Package release holds the value types of an upgrade: the x.y.z version of
// a NetBox release and the on-disk layout derived from it.
package release
