package adb

import (
	"context"
	"os/exec"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
)

const stateUnauthorized = "unauthorized"

// Provider implements device.Provider using gadb for probing and the adb
// binary for network connect/disconnect.
type Provider struct {
	client gadb.Client
	adbBin string
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client, adbBin string) *Provider {
	if strings.TrimSpace(adbBin) == "" {
		adbBin = "adb"
	}
	return &Provider{client: client, adbBin: adbBin}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault(adbBin string) (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client, adbBin), nil
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			// gadb does not model "unauthorized"; surface the raw text.
			if strings.Contains(err.Error(), stateUnauthorized) {
				stateBySerial[serial] = stateUnauthorized
				continue
			}
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// Probe maps the adb state of serial onto device.ProbeState.
func (p *Provider) Probe(ctx context.Context, serial string) (device.ProbeState, error) {
	states, err := p.ListDevicesWithState(ctx)
	if err != nil {
		return device.ProbeAbsent, err
	}
	return probeStateOf(states, serial), nil
}

func probeStateOf(states map[string]string, serial string) device.ProbeState {
	raw, ok := states[strings.TrimSpace(serial)]
	if !ok {
		return device.ProbeAbsent
	}
	if raw == string(gadb.StateOnline) || raw == "device" {
		return device.ProbeDevice
	}
	if raw == stateUnauthorized {
		return device.ProbeUnauthorized
	}
	return device.ProbeOffline
}

// Connect runs `adb connect <serial>`. Only network serials (host:port) need
// this; USB devices report success as long as adb lists them.
func (p *Provider) Connect(ctx context.Context, serial string) (bool, string) {
	out, err := p.adb(ctx, "connect", serial)
	if err != nil {
		return false, err.Error()
	}
	lower := strings.ToLower(out)
	if strings.Contains(lower, "connected to") || strings.Contains(lower, "already connected") {
		return true, out
	}
	// USB serials are not connectable; fall back to the device list.
	if state, perr := p.Probe(ctx, serial); perr == nil && state == device.ProbeDevice {
		return true, "device present"
	}
	if out == "" {
		out = "adb connect returned no output"
	}
	return false, out
}

// Disconnect runs `adb disconnect <serial>`.
func (p *Provider) Disconnect(ctx context.Context, serial string) error {
	_, err := p.adb(ctx, "disconnect", serial)
	return err
}

// LaunchApp starts pkg through the monkey launcher.
func (p *Provider) LaunchApp(ctx context.Context, serial, pkg string) error {
	if strings.TrimSpace(pkg) == "" {
		return nil
	}
	_, err := p.RunShell(serial, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return errors.Wrapf(err, "launch %s on %s", pkg, serial)
	}
	log.Info().Str("serial", serial).Str("package", pkg).Msg("app launched")
	return nil
}

// RunShell executes a shell command on the given device serial.
func (p *Provider) RunShell(serial string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return "", errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d.RunShellCommand(args[0], args[1:]...)
		}
	}
	return "", errors.Errorf("device %s not found", serial)
}

func (p *Provider) adb(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.adbBin, args...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, errors.Wrapf(err, "adb %s: %s", strings.Join(args, " "), text)
		}
		return text, errors.Wrapf(err, "adb %s", strings.Join(args, " "))
	}
	return text, nil
}
