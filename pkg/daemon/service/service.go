// Package service manages the tripwired systemd user unit.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitName is the systemd user unit installed by Install.
const UnitName = "tripwired.service"

// WatchdogSec is written to the unit; tripwired pings at half this period.
const WatchdogSec = 30

// UnitContents returns the unit file for binaryPath reading configPath.
func UnitContents(binaryPath, configPath string) string {
	cmdline := binaryPath
	if configPath != "" {
		cmdline += " --config " + configPath
	}
	return fmt.Sprintf(`[Unit]
Description=Tripwire log watcher and incident reporter
Documentation=https://github.com/modoterra/tripwire

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5
WatchdogSec=%d

[Install]
WantedBy=default.target
`, cmdline, WatchdogSec)
}

// UnitPath returns the path to the user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", UnitName), nil
}

// Install writes the unit for the tripwired found in PATH, reloads systemd
// and enables and starts the service.
func Install(configPath string) error {
	binaryPath, err := exec.LookPath("tripwired")
	if err != nil {
		return fmt.Errorf("tripwired not found in PATH: %w", err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve tripwired path: %w", err)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("cannot resolve config path: %w", err)
		}
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(UnitContents(binaryPath, configPath)), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", UnitName)
}

// Uninstall stops and disables the service, removes the unit file and
// reloads systemd.
func Uninstall() error {
	// Not running or not enabled is fine here.
	_ = systemctl("stop", UnitName)
	_ = systemctl("disable", UnitName)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	return systemctl("daemon-reload")
}

// UnitState is the unit's state as reported by systemd.
type UnitState struct {
	Load   string
	Active string
	Sub    string
	PID    uint32
}

// String renders the state the way systemctl status summarises it.
func (s UnitState) String() string {
	if s.Load == "not-found" {
		return "not loaded"
	}
	out := s.Active
	if s.Sub != "" && s.Sub != s.Active {
		out += " (" + s.Sub + ")"
	}
	if s.PID > 0 {
		out += fmt.Sprintf(" pid %d", s.PID)
	}
	return out
}

// QueryUnit asks the user systemd instance for the unit's state over D-Bus.
func QueryUnit(ctx context.Context) (UnitState, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return UnitState{}, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{UnitName})
	if err != nil {
		return UnitState{}, fmt.Errorf("list units: %w", err)
	}
	if len(units) == 0 {
		return UnitState{Load: "not-found"}, nil
	}

	u := units[0]
	st := UnitState{Load: u.LoadState, Active: u.ActiveState, Sub: u.SubState}
	if u.ActiveState == "active" {
		props, err := conn.GetUnitTypePropertiesContext(ctx, u.Name, "Service")
		if err == nil {
			if pid, ok := props["MainPID"].(uint32); ok {
				st.PID = pid
			}
		}
	}
	return st, nil
}

// Status returns a human-readable summary of the socket and the unit.
func Status(socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err != nil {
		return strings.Join(lines, "\n")
	}
	if _, err := os.Stat(unitPath); err != nil {
		lines = append(lines, "systemd user service: not installed")
		return strings.Join(lines, "\n")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := QueryUnit(ctx)
	if err != nil {
		lines = append(lines, "systemd user service: unknown ("+err.Error()+")")
	} else {
		lines = append(lines, "systemd user service: "+st.String())
	}
	return strings.Join(lines, "\n")
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
