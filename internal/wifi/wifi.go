// Package wifi brings the radio into station mode: it hands credentials to
// NetworkManager and polls for association, a DHCP lease, and internet
// reachability. Like the hotspot controller it is a stateless executor; the
// orchestrator decides what a failed attempt means.
package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"provisiond/internal/runner"
	"provisiond/internal/store"
)

// Config holds client connection controller configuration. The step
// timeouts are sub-budgets drawn from the overall attempt deadline the
// orchestrator sets on the context.
type Config struct {
	Interface           string
	ProvisioningGateway string // a lease equal to this address is a false success
	ProbeHost           string // reachability probe target

	ManagedTimeout time.Duration // NetworkManager reconciling the interface
	RadioTimeout   time.Duration // radio reporting enabled
	ScanTimeout    time.Duration
	AssocTimeout   time.Duration // association after the connect command
	LeaseTimeout   time.Duration
}

// ConnectionInfo describes an established station-mode connection.
type ConnectionInfo struct {
	SSID      string    `json:"ssid"`
	IPAddress string    `json:"ip_address"`
	StartedAt time.Time `json:"started_at"`
}

// Controller drives NetworkManager through the connect sequence.
type Controller struct {
	run    runner.Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a client connection controller.
func New(run runner.Runner, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{run: run, cfg: cfg, logger: logger.With("component", "wifi")}
}

// Connect runs the station-mode sequence: wait for NetworkManager to manage
// the interface, enable the radio, scan, drop any stale profile for the same
// network, submit the credentials, and poll for association plus a lease
// that is not the leftover provisioning address. It does not perform the
// reachability probe; that is a separate orchestrator-driven phase.
//
// On any failure the partially created profile is removed so the next
// attempt (or a fallback to AP mode) starts clean.
func (c *Controller) Connect(ctx context.Context, creds store.Credentials) (ConnectionInfo, error) {
	start := time.Now()
	c.logger.Info("connecting to network", "ssid", creds.SSID)

	steps := []func(context.Context, store.Credentials) error{
		c.ensureManaged,
		c.enableRadio,
		c.scan,
		c.removeStaleProfile,
		c.submitCredentials,
	}
	for _, step := range steps {
		if err := step(ctx, creds); err != nil {
			c.Cleanup(ctx, creds.SSID)
			return ConnectionInfo{}, err
		}
	}

	addr, err := c.waitForLease(ctx)
	if err != nil {
		c.Cleanup(ctx, creds.SSID)
		return ConnectionInfo{}, err
	}

	info := ConnectionInfo{SSID: creds.SSID, IPAddress: addr, StartedAt: start}
	c.logger.Info("station connection established", "ssid", creds.SSID, "addr", addr)
	return info, nil
}

// ValidateReachability confirms the connection reaches beyond the local
// network by pinging the configured probe host.
func (c *Controller) ValidateReachability(ctx context.Context) error {
	res, err := c.run.Run(ctx, "ping", "-c", "3", "-W", "5", c.cfg.ProbeHost)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &runner.StepError{Step: "reachability probe", Kind: runner.KindDaemon,
			Err: fmt.Errorf("ping %s exited %d", c.cfg.ProbeHost, res.ExitCode)}
	}
	c.logger.Info("internet reachability confirmed", "probe", c.cfg.ProbeHost)
	return nil
}

// Cleanup removes the NetworkManager profile created for ssid. Called after
// a failed or cancelled attempt so no cached state blocks the next one.
func (c *Controller) Cleanup(ctx context.Context, ssid string) {
	c.run.Run(ctx, "nmcli", "connection", "delete", ssid)
}

// ensureManaged polls until NetworkManager actively manages the interface.
// A just-released AP daemon may leave the interface in a state the network
// manager has not reconciled yet; if polling times out, one NetworkManager
// restart is attempted before giving up.
func (c *Controller) ensureManaged(ctx context.Context, _ store.Credentials) error {
	if err := runner.WaitFor(ctx, c.cfg.ManagedTimeout, time.Second, "interface managed", func() bool {
		return c.interfaceManaged(ctx)
	}); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return err
	}

	c.logger.Warn("interface not managed, restarting NetworkManager")
	c.run.Run(ctx, "systemctl", "restart", "NetworkManager")
	if err := runner.WaitFor(ctx, c.cfg.ManagedTimeout, time.Second, "interface managed after restart", func() bool {
		return c.interfaceManaged(ctx)
	}); err != nil {
		return &runner.StepError{Step: "interface managed", Kind: runner.KindTimeout, Err: err}
	}
	return nil
}

func (c *Controller) interfaceManaged(ctx context.Context) bool {
	res, err := c.run.Run(ctx, "nmcli", "device", "status")
	if err != nil || !res.OK() {
		return false
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.Contains(line, c.cfg.Interface) {
			continue
		}
		lower := strings.ToLower(line)
		return !strings.Contains(lower, "unmanaged") && !strings.Contains(lower, "unavailable")
	}
	return false
}

func (c *Controller) enableRadio(ctx context.Context, _ store.Credentials) error {
	c.run.Run(ctx, "nmcli", "radio", "wifi", "on")
	c.run.Run(ctx, "ip", "link", "set", "dev", c.cfg.Interface, "up")

	if err := runner.WaitFor(ctx, c.cfg.RadioTimeout, 300*time.Millisecond, "radio enabled", func() bool {
		res, err := c.run.Run(ctx, "nmcli", "radio", "wifi")
		return err == nil && strings.Contains(strings.ToLower(res.Stdout), "enabled")
	}); err != nil {
		return err
	}
	return nil
}

func (c *Controller) scan(ctx context.Context, creds store.Credentials) error {
	c.run.Run(ctx, "nmcli", "device", "wifi", "rescan")

	err := runner.WaitFor(ctx, c.cfg.ScanTimeout, 500*time.Millisecond, "scan results", func() bool {
		res, err := c.run.Run(ctx, "nmcli", "-t", "-f", "SSID", "device", "wifi", "list")
		return err == nil && res.OK() && len(strings.Split(res.Stdout, "\n")) > 1
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// An empty scan is suspicious but not fatal; the connect command
		// triggers its own scan.
		c.logger.Warn("scan produced no results within budget")
		return nil
	}

	res, _ := c.run.Run(ctx, "nmcli", "-t", "-f", "SSID", "device", "wifi", "list")
	if !ssidVisible(res.Stdout, creds.SSID) {
		// Hidden networks do not show up; attempt the connection anyway.
		c.logger.Warn("target not found in scan results", "ssid", creds.SSID)
	}
	return nil
}

func ssidVisible(scan, ssid string) bool {
	for _, line := range strings.Split(scan, "\n") {
		if strings.TrimSpace(line) == ssid {
			return true
		}
	}
	return false
}

// removeStaleProfile deletes any saved profile for the same network name so
// a previous attempt's cached secrets cannot conflict with the new ones.
func (c *Controller) removeStaleProfile(ctx context.Context, creds store.Credentials) error {
	c.run.Run(ctx, "nmcli", "connection", "delete", creds.SSID)
	return nil
}

func (c *Controller) submitCredentials(ctx context.Context, creds store.Credentials) error {
	args := []string{"device", "wifi", "connect", creds.SSID}
	if creds.PSK != "" {
		args = append(args, "password", creds.PSK)
	}
	res, err := c.run.Run(ctx, "nmcli", args...)
	if err != nil {
		return err
	}
	if res.OK() {
		return nil
	}

	c.logger.Warn("one-shot connect failed", "exit", res.ExitCode)
	if creds.PSK == "" {
		return &runner.StepError{Step: "submit credentials", Kind: runner.KindDaemon,
			Err: fmt.Errorf("nmcli connect exited %d: %s", res.ExitCode, res.Stderr)}
	}

	// Alternative path: build the profile explicitly, then bring it up.
	c.run.Run(ctx, "nmcli", "connection", "add", "type", "wifi",
		"con-name", creds.SSID, "ifname", c.cfg.Interface, "ssid", creds.SSID)
	c.run.Run(ctx, "nmcli", "connection", "modify", creds.SSID, "wifi-sec.key-mgmt", "wpa-psk")
	c.run.Run(ctx, "nmcli", "connection", "modify", creds.SSID, "wifi-sec.psk", creds.PSK)
	res, err = c.run.Run(ctx, "nmcli", "connection", "up", creds.SSID)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &runner.StepError{Step: "submit credentials", Kind: runner.KindDaemon,
			Err: fmt.Errorf("nmcli connection up exited %d: %s", res.ExitCode, res.Stderr)}
	}
	return nil
}

// waitForLease polls for association and then a DHCP lease, distinguishing
// "still negotiating" from "failed". A lease equal to the provisioning
// gateway is a leftover AP-mode address and reported as a false success.
func (c *Controller) waitForLease(ctx context.Context) (string, error) {
	if err := runner.WaitFor(ctx, c.cfg.AssocTimeout, time.Second, "association", func() bool {
		res, err := c.run.Run(ctx, "nmcli", "-t", "-f", "STATE", "general")
		return err == nil && strings.Contains(strings.ToLower(res.Stdout), "connected")
	}); err != nil {
		return "", err
	}

	var addr string
	if err := runner.WaitFor(ctx, c.cfg.LeaseTimeout, 500*time.Millisecond, "dhcp lease", func() bool {
		res, err := c.run.Run(ctx, "ip", "-4", "addr", "show", "dev", c.cfg.Interface)
		if err != nil || !res.OK() {
			return false
		}
		addr = parseInetAddr(res.Stdout)
		return addr != "" && addr != c.cfg.ProvisioningGateway
	}); err != nil {
		if addr == c.cfg.ProvisioningGateway {
			return "", &runner.StepError{Step: "dhcp lease", Kind: runner.KindDaemon,
				Err: fmt.Errorf("interface still holds provisioning address %s", addr)}
		}
		return "", err
	}
	return addr, nil
}

// parseInetAddr extracts the first IPv4 address from `ip -4 addr show` output.
func parseInetAddr(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[0] == "inet" {
			addr := fields[1]
			if i := strings.IndexByte(addr, '/'); i >= 0 {
				addr = addr[:i]
			}
			return addr
		}
	}
	return ""
}
