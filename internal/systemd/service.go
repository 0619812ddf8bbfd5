package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/oshokin/netbox-upgrade/internal/logger"
)

const (
	// unitSuffix is appended to bare service names.
	unitSuffix = ".service"

	// jobDone is the result systemd reports for a successful job.
	jobDone = "done"
)

// errJobFailed is returned when systemd finishes a job with a result other than "done".
var errJobFailed = errors.New("systemd job did not complete")

// Conn is the subset of the systemd D-Bus connection used here.
type Conn interface {
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	Close()
}

// ConnFactory opens a connection to systemd.
type ConnFactory func(ctx context.Context) (Conn, error)

// NewSystemConn connects to the system bus.
//
//nolint:ireturn // The factory returns the interface so tests can substitute it.
func NewSystemConn(ctx context.Context) (Conn, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// UnitState is the observable state of a unit after the restart.
type UnitState struct {
	// Name is the full unit name, e.g. netbox.service.
	Name string
	// LoadState is loaded, not-found, masked...
	LoadState string
	// ActiveState is active, failed, activating...
	ActiveState string
	// SubState is running, dead, exited...
	SubState string
}

// Running reports whether the unit is loaded and active.
func (s UnitState) Running() bool {
	return s.LoadState == "loaded" && s.ActiveState == "active"
}

// String renders the state the way systemctl status summarizes it.
func (s UnitState) String() string {
	return fmt.Sprintf("%s: %s (%s), %s", s.Name, s.ActiveState, s.SubState, s.LoadState)
}

// Manager restarts and inspects services.
type Manager struct {
	// newConn opens a D-Bus connection per call.
	newConn ConnFactory
}

// NewManager returns a Manager using the given connection factory.
func NewManager(newConn ConnFactory) *Manager {
	if newConn == nil {
		newConn = NewSystemConn
	}

	return &Manager{newConn: newConn}
}

// Restart restarts every service in order. A failing unit does not stop the others;
// all failures are returned together.
func (m *Manager) Restart(ctx context.Context, services []string) error {
	conn, err := m.newConn(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}

	defer conn.Close()

	var errs []error

	for _, service := range services {
		unit := UnitName(service)

		logger.InfoKV(ctx, "Restarting service", "unit", unit)

		if err = restart(ctx, conn, unit); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Status returns the current state of every service.
func (m *Manager) Status(ctx context.Context, services []string) ([]UnitState, error) {
	conn, err := m.newConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}

	defer conn.Close()

	units := make([]string, 0, len(services))
	for _, service := range services {
		units = append(units, UnitName(service))
	}

	statuses, err := conn.ListUnitsByNamesContext(ctx, units)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}

	states := make([]UnitState, 0, len(statuses))
	for _, status := range statuses {
		states = append(states, UnitState{
			Name:        status.Name,
			LoadState:   status.LoadState,
			ActiveState: status.ActiveState,
			SubState:    status.SubState,
		})
	}

	return states, nil
}

// UnitName appends .service to bare names.
func UnitName(service string) string {
	if strings.Contains(service, ".") {
		return service
	}

	return service + unitSuffix
}

func restart(ctx context.Context, conn Conn, unit string) error {
	// Buffered so the D-Bus goroutine never blocks if we stop waiting.
	results := make(chan string, 1)

	if _, err := conn.RestartUnitContext(ctx, unit, "replace", results); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}

	select {
	case result := <-results:
		if result != jobDone {
			return fmt.Errorf("restart %s: %w (result %q)", unit, errJobFailed, result)
		}

		return nil
	case <-ctx.Done():
		return fmt.Errorf("restart %s: %w", unit, ctx.Err())
	}
}
