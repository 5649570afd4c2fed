// Package hotspot brings the radio into access-point mode for provisioning
// and verifies it is actually broadcasting. The controller is a stateless
// executor: it returns structured results and leaves all mode decisions to
// the orchestrator.
package hotspot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"provisiond/internal/runner"
)

// BroadcastInfo describes a successfully raised access point.
type BroadcastInfo struct {
	SSID    string `json:"ssid"`
	Gateway string `json:"gateway"`
}

// Controller owns the AP daemons (hostapd + dnsmasq) and the provisioning
// address on the radio interface.
type Controller struct {
	run      runner.Runner
	cfg      Config
	deviceID string
	logger   *slog.Logger
}

// New creates an access point controller for the given device identifier.
func New(run runner.Runner, cfg Config, deviceID string, logger *slog.Logger) *Controller {
	return &Controller{
		run:      run,
		cfg:      cfg,
		deviceID: deviceID,
		logger:   logger.With("component", "hotspot"),
	}
}

// SSID returns the deterministic broadcast name for this device.
func (c *Controller) SSID() string {
	return c.cfg.SSIDPrefix + c.deviceID
}

// Raise generates fresh daemon configuration, prepares the interface,
// starts dnsmasq and hostapd, and polls until both are verifiably running
// with the provisioning address assigned. On any failure it tears down
// whatever it started before returning, so a failed raise never blocks a
// later attempt.
func (c *Controller) Raise(ctx context.Context) (BroadcastInfo, error) {
	ssid := c.SSID()
	c.logger.Info("raising access point", "ssid", ssid)

	if err := c.writeConfigs(ssid); err != nil {
		return BroadcastInfo{}, err
	}

	if err := c.prepareInterface(ctx); err != nil {
		c.lowerBestEffort(ctx)
		return BroadcastInfo{}, err
	}

	// systemd-resolved holds port 53; dnsmasq cannot bind while it runs.
	c.run.Run(ctx, "systemctl", "stop", "systemd-resolved")

	if err := c.startDnsmasq(ctx); err != nil {
		c.lowerBestEffort(ctx)
		return BroadcastInfo{}, err
	}
	if err := c.startHostapd(ctx); err != nil {
		c.lowerBestEffort(ctx)
		return BroadcastInfo{}, err
	}

	info := BroadcastInfo{SSID: ssid, Gateway: c.cfg.Gateway()}
	c.logger.Info("access point broadcasting", "ssid", info.SSID, "gateway", info.Gateway)
	return info, nil
}

// Lower performs graceful daemon shutdown, escalating to SIGKILL if the
// daemons outlive their slice of the teardown budget, then hands the radio
// back to NetworkManager ready for station mode.
func (c *Controller) Lower(ctx context.Context) error {
	c.logger.Info("lowering access point")

	c.run.Run(ctx, "systemctl", "stop", "hostapd")
	c.run.Run(ctx, "systemctl", "stop", "dnsmasq")

	err := runner.WaitFor(ctx, 5*time.Second, 300*time.Millisecond, "ap daemons to stop", func() bool {
		return !c.processRunning(ctx, "hostapd") && !c.processRunning(ctx, "dnsmasq")
	})
	if err != nil {
		c.logger.Warn("graceful stop incomplete, escalating", "err", err)
		c.run.Run(ctx, "pkill", "-9", "-f", "hostapd")
		c.run.Run(ctx, "pkill", "-9", "-f", "dnsmasq")
		err = runner.WaitFor(ctx, 3*time.Second, 300*time.Millisecond, "ap daemons to die", func() bool {
			return !c.processRunning(ctx, "hostapd") && !c.processRunning(ctx, "dnsmasq")
		})
		if err != nil {
			return &runner.StepError{Step: "ap teardown", Kind: runner.KindTimeout, Err: err}
		}
	}

	// Reset the interface and return it to NetworkManager. The interface
	// must be up again BEFORE NetworkManager reconfigures, or it stays
	// "unavailable" for the client connection that follows.
	c.run.Run(ctx, "ip", "addr", "flush", "dev", c.cfg.Interface)
	c.run.Run(ctx, "ip", "link", "set", "dev", c.cfg.Interface, "down")
	c.run.Run(ctx, "ip", "link", "set", "dev", c.cfg.Interface, "up")
	c.run.Run(ctx, "nmcli", "device", "set", c.cfg.Interface, "managed", "yes")
	c.run.Run(ctx, "systemctl", "restart", "NetworkManager")
	c.run.Run(ctx, "systemctl", "start", "systemd-resolved")

	runner.WaitFor(ctx, 8*time.Second, 500*time.Millisecond, "NetworkManager active", func() bool {
		res, err := c.run.Run(ctx, "systemctl", "is-active", "NetworkManager")
		return err == nil && res.Stdout == "active"
	})

	c.logger.Info("access point lowered, radio idle")
	return nil
}

// IsActive is a side-effect-free probe of daemon presence plus the
// provisioning address. It does not consult controller bookkeeping, so it
// stays truthful even if this process restarted under an already-running AP.
func (c *Controller) IsActive(ctx context.Context) bool {
	if !c.processRunning(ctx, "hostapd") || !c.processRunning(ctx, "dnsmasq") {
		return false
	}
	return c.addressAssigned(ctx)
}

// ConnectedClients counts active DHCP leases handed out on the
// provisioning subnet.
func (c *Controller) ConnectedClients() (int, error) {
	data, err := os.ReadFile(c.cfg.LeaseFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read lease file: %w", err)
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			count++
		}
	}
	return count, nil
}

func (c *Controller) writeConfigs(ssid string) error {
	if err := os.WriteFile(c.cfg.HostapdConfPath, []byte(c.cfg.hostapdConf(ssid)), 0644); err != nil {
		return &runner.StepError{Step: "write hostapd config", Kind: runner.KindResource, Err: err}
	}
	if err := os.WriteFile(c.cfg.DnsmasqConfPath, []byte(c.cfg.dnsmasqConf()), 0644); err != nil {
		return &runner.StepError{Step: "write dnsmasq config", Kind: runner.KindResource, Err: err}
	}
	c.logger.Info("generated AP configuration", "ssid", ssid)
	return nil
}

func (c *Controller) prepareInterface(ctx context.Context) error {
	iface := c.cfg.Interface

	// Stop anything that might already own the radio.
	c.run.Run(ctx, "systemctl", "stop", "hostapd")
	c.run.Run(ctx, "systemctl", "stop", "dnsmasq")
	c.run.Run(ctx, "systemctl", "stop", "wpa_supplicant")
	c.run.Run(ctx, "pkill", "-f", "hostapd")
	c.run.Run(ctx, "pkill", "-f", "dnsmasq")
	c.run.Run(ctx, "pkill", "-f", "wpa_supplicant.*"+iface)

	if err := runner.WaitFor(ctx, 5*time.Second, 300*time.Millisecond, "conflicting daemons to stop", func() bool {
		return !c.processRunning(ctx, "hostapd") && !c.processRunning(ctx, "dnsmasq")
	}); err != nil {
		return err
	}

	c.run.Run(ctx, "ip", "link", "set", "dev", iface, "down")
	c.run.Run(ctx, "ip", "addr", "flush", "dev", iface)
	c.run.Run(ctx, "nmcli", "device", "set", iface, "managed", "no")

	res, err := c.run.Run(ctx, "ip", "link", "set", "dev", iface, "up")
	if err != nil {
		return err
	}
	if !res.OK() {
		return &runner.StepError{Step: "interface up", Kind: runner.KindResource,
			Err: fmt.Errorf("ip link set %s up: %s", iface, res.Stderr)}
	}

	res, err = c.run.Run(ctx, "ip", "addr", "add", c.cfg.GatewayCIDR, "dev", iface)
	if err != nil {
		return err
	}
	// Exit code 2 = address already assigned, which is fine.
	if !res.OK() && res.ExitCode != 2 {
		return &runner.StepError{Step: "assign address", Kind: runner.KindDaemon,
			Err: fmt.Errorf("ip addr add %s: %s", c.cfg.GatewayCIDR, res.Stderr)}
	}

	if err := runner.WaitFor(ctx, 5*time.Second, 500*time.Millisecond, "provisioning address assigned", func() bool {
		return c.addressAssigned(ctx)
	}); err != nil {
		return err
	}

	c.logger.Info("interface configured", "iface", iface, "addr", c.cfg.GatewayCIDR)
	return nil
}

func (c *Controller) startDnsmasq(ctx context.Context) error {
	// Validate the config before committing the radio to it.
	res, err := c.run.Run(ctx, "dnsmasq", "--test", "--conf-file="+c.cfg.DnsmasqConfPath)
	if err != nil {
		return err
	}
	if !res.OK() {
		c.logger.Warn("dnsmasq config test failed, proceeding anyway", "stderr", res.Stderr)
	}

	// dnsmasq daemonizes itself; Run returns once the parent exits.
	res, err = c.run.Run(ctx, "dnsmasq",
		"--interface="+c.cfg.Interface,
		"--bind-interfaces",
		"--listen-address="+c.cfg.Gateway(),
		"--conf-file="+c.cfg.DnsmasqConfPath)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &runner.StepError{Step: "start dnsmasq", Kind: runner.KindDaemon,
			Err: fmt.Errorf("dnsmasq exited %d: %s", res.ExitCode, res.Stderr)}
	}

	if err := runner.WaitFor(ctx, 5*time.Second, 300*time.Millisecond, "dnsmasq running", func() bool {
		return c.processRunning(ctx, "dnsmasq")
	}); err != nil {
		return &runner.StepError{Step: "start dnsmasq", Kind: runner.KindDaemon, Err: err}
	}
	c.logger.Info("dnsmasq running")
	return nil
}

func (c *Controller) startHostapd(ctx context.Context) error {
	res, err := c.run.Run(ctx, "hostapd", "-B", c.cfg.HostapdConfPath)
	if err != nil {
		return err
	}
	if !res.OK() {
		// Fail fast: hostapd -B exits non-zero immediately when the
		// driver rejects the config, no point polling.
		return &runner.StepError{Step: "start hostapd", Kind: runner.KindDaemon,
			Err: fmt.Errorf("hostapd exited %d: %s", res.ExitCode, res.Stderr)}
	}

	if err := runner.WaitFor(ctx, 5*time.Second, 300*time.Millisecond, "hostapd running", func() bool {
		return c.processRunning(ctx, "hostapd")
	}); err != nil {
		return &runner.StepError{Step: "start hostapd", Kind: runner.KindDaemon, Err: err}
	}
	c.logger.Info("hostapd running")
	return nil
}

func (c *Controller) processRunning(ctx context.Context, name string) bool {
	res, err := c.run.Run(ctx, "pgrep", "-f", name)
	return err == nil && res.OK()
}

func (c *Controller) addressAssigned(ctx context.Context) bool {
	res, err := c.run.Run(ctx, "ip", "addr", "show", c.cfg.Interface)
	return err == nil && res.OK() && strings.Contains(res.Stdout, c.cfg.Gateway())
}

func (c *Controller) lowerBestEffort(ctx context.Context) {
	if err := c.Lower(ctx); err != nil {
		c.logger.Warn("cleanup after failed raise", "err", err)
	}
}
