package upgrader

import (
	"errors"
	"fmt"
)

// Kind classifies fatal failures.
type Kind int

const (
	// KindPrivilege means the run lacks root privileges.
	KindPrivilege Kind = iota + 1
	// KindLock means another run holds the installation.
	KindLock
	// KindDetection means the live version could not be determined.
	KindDetection
	// KindInput means no valid target version was given.
	KindInput
	// KindDownload means the release artifact could not be fetched.
	KindDownload
	// KindCollision means the target version directory already exists.
	KindCollision
	// KindExtraction means the release did not unpack into its directory.
	KindExtraction
	// KindBackup means the database backup is missing or empty.
	KindBackup
	// KindCutover means the current symlink could not be replaced.
	KindCutover
)

// exitCodes maps every kind to the process exit status.
//
//nolint:gochecknoglobals // Read-only lookup table.
var exitCodes = map[Kind]int{
	KindPrivilege:  1,
	KindLock:       1,
	KindDetection:  1,
	KindInput:      1,
	KindDownload:   1,
	KindCollision:  2,
	KindExtraction: 3,
	KindBackup:     4,
	KindCutover:    1,
}

// String names the kind.
func (k Kind) String() string {
	switch k {
	case KindPrivilege:
		return "privilege error"
	case KindLock:
		return "lock error"
	case KindDetection:
		return "detection error"
	case KindInput:
		return "input validation error"
	case KindDownload:
		return "download error"
	case KindCollision:
		return "directory collision error"
	case KindExtraction:
		return "extraction error"
	case KindBackup:
		return "backup error"
	case KindCutover:
		return "cutover error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ExitCode returns the process exit status for the kind.
func (k Kind) ExitCode() int {
	if code, ok := exitCodes[k]; ok {
		return code
	}

	return 1
}

// Error is a fatal step failure.
type Error struct {
	// Kind selects the exit code.
	Kind Kind
	// Step is the name of the failed step.
	Step string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Step, e.Kind, e.Err)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode maps any error returned by Run to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var upgradeErr *Error
	if errors.As(err, &upgradeErr) {
		return upgradeErr.Kind.ExitCode()
	}

	return 1
}

func fail(kind Kind, step string, err error) *Error {
	return &Error{Kind: kind, Step: step, Err: err}
}
