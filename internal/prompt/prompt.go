package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/oshokin/netbox-upgrade/internal/domain/release"
	"github.com/oshokin/netbox-upgrade/internal/logger"
)

// LatestAlias selects the newest upstream release.
const LatestAlias = "latest"

// ErrInterrupted is returned when the operator presses Ctrl+C at the prompt.
var ErrInterrupted = errors.New("interrupted at prompt")

// LineReader reads one line of input after showing a prompt.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// Terminal reads lines with editing support.
type Terminal struct {
	rl *readline.Instance
}

// NewTerminal opens a line editor on the given streams.
func NewTerminal(stdin io.ReadCloser, stdout, stderr io.Writer) (*Terminal, error) {
	//nolint:exhaustruct // Defaults are fine for the remaining fields.
	rl, err := readline.NewEx(&readline.Config{
		Stdin:                  stdin,
		Stdout:                 stdout,
		Stderr:                 stderr,
		HistoryLimit:           -1,
		DisableAutoSaveHistory: true,
		InterruptPrompt:        "^C",
	})
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}

	return &Terminal{rl: rl}, nil
}

// ReadLine shows prompt and returns the entered line.
func (t *Terminal) ReadLine(prompt string) (string, error) {
	t.rl.SetPrompt(prompt)

	line, err := t.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", ErrInterrupted
	}

	return line, err
}

// Close restores the terminal.
func (t *Terminal) Close() error {
	return t.rl.Close()
}

// Resolve turns operator input into a version. Empty input and the latest
// alias pick latest when it is known.
func Resolve(input string, latest release.Version) (release.Version, error) {
	input = strings.TrimSpace(input)

	if input == "" || strings.EqualFold(input, LatestAlias) {
		if latest.IsZero() {
			return release.Version{}, fmt.Errorf("latest release is unknown: %w", release.ErrInvalidVersion)
		}

		return latest, nil
	}

	return release.Parse(input)
}

// AskVersion prompts until the operator enters a valid version.
// Invalid input is reported on w and asked again; only end of input,
// an interrupt or a cancelled context end the loop early.
func AskVersion(ctx context.Context, r LineReader, w io.Writer, latest release.Version) (release.Version, error) {
	question := "Version to install (x.y.z): "
	if !latest.IsZero() {
		question = fmt.Sprintf("Version to install (x.y.z or %s) [%s]: ", LatestAlias, latest)
	}

	for {
		if err := ctx.Err(); err != nil {
			return release.Version{}, err
		}

		line, err := r.ReadLine(question)
		if err != nil {
			return release.Version{}, err
		}

		v, err := Resolve(line, latest)
		if err == nil {
			return v, nil
		}

		logger.DebugKV(ctx, "Rejected version input", "input", line, "error", err)

		_, _ = fmt.Fprintf(w, "%q is not a valid version, expected three numbers like 2.9.9\n", strings.TrimSpace(line))
	}
}
