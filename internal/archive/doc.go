// Package archive unpacks gzip-compressed release tarballs.
//
// Every entry must live under the release directory the caller expects,
// e.g. netbox-2.9.9/. Absolute names, names climbing out with "..", other
// top-level directories and links pointing out of the release directory are
// rejected. Writes go through an os.Root, and Unpack stages the release next
// to its final location so a failed extraction leaves nothing behind.
package archive
