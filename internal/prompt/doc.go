// Package prompt asks the operator which NetBox version to install.
//
// Lines are read through chzyer/readline on a terminal; the selection loop
// itself only depends on the LineReader interface.
package prompt
