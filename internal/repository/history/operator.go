package history

import (
	"fmt"
	"os"
	"os/user"
)

// Operator identifies who ran an upgrade and where.
type Operator struct {
	// Hostname is the machine the upgrade ran on.
	Hostname string `yaml:"hostname"`
	// Username is the account that started the run, before sudo when known.
	Username string `yaml:"username"`
}

// DetectOperator gathers host and user information for the journal.
// SUDO_USER wins over the effective account so the person behind sudo is recorded.
func DetectOperator() (Operator, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Operator{}, fmt.Errorf("hostname: %w", err)
	}

	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return Operator{Hostname: hostname, Username: sudoUser}, nil
	}

	currentUser, err := user.Current()
	if err != nil {
		return Operator{}, fmt.Errorf("current user: %w", err)
	}

	return Operator{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
