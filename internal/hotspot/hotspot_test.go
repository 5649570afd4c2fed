package hotspot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"provisiond/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner simulates the daemon lifecycle commands Raise and Lower issue.
// pgrep answers track whether the fake daemons were "started".
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	hostapdUp bool
	dnsmasqUp bool
	addrSet   bool

	hostapdExit int // exit code for "hostapd -B"
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (runner.Result, error) {
	cmd := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	switch {
	case strings.HasPrefix(cmd, "pgrep -f hostapd"):
		if f.hostapdUp {
			return runner.Result{}, nil
		}
		return runner.Result{ExitCode: 1}, nil
	case strings.HasPrefix(cmd, "pgrep -f dnsmasq"):
		if f.dnsmasqUp {
			return runner.Result{}, nil
		}
		return runner.Result{ExitCode: 1}, nil
	case strings.HasPrefix(cmd, "systemctl stop hostapd"), strings.HasPrefix(cmd, "pkill") && strings.Contains(cmd, "hostapd"):
		f.hostapdUp = false
		return runner.Result{}, nil
	case strings.HasPrefix(cmd, "systemctl stop dnsmasq"), strings.HasPrefix(cmd, "pkill") && strings.Contains(cmd, "dnsmasq"):
		f.dnsmasqUp = false
		return runner.Result{}, nil
	case strings.HasPrefix(cmd, "hostapd -B"):
		if f.hostapdExit != 0 {
			return runner.Result{ExitCode: f.hostapdExit, Stderr: "driver rejected config"}, nil
		}
		f.hostapdUp = true
		return runner.Result{}, nil
	case name == "dnsmasq" && strings.Contains(cmd, "--test"):
		return runner.Result{}, nil
	case name == "dnsmasq":
		f.dnsmasqUp = true
		return runner.Result{}, nil
	case strings.HasPrefix(cmd, "ip addr add"):
		f.addrSet = true
		return runner.Result{}, nil
	case strings.HasPrefix(cmd, "ip addr flush"):
		f.addrSet = false
		return runner.Result{}, nil
	case strings.HasPrefix(cmd, "ip addr show"):
		if f.addrSet {
			return runner.Result{Stdout: "inet 192.168.4.1/24 scope global wlan0"}, nil
		}
		return runner.Result{Stdout: ""}, nil
	case strings.HasPrefix(cmd, "systemctl is-active"):
		return runner.Result{Stdout: "active"}, nil
	}
	return runner.Result{}, nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		Interface:       "wlan0",
		SSIDPrefix:      "Setup-",
		Channel:         6,
		Country:         "US",
		GatewayCIDR:     "192.168.4.1/24",
		DHCPStart:       "192.168.4.2",
		DHCPEnd:         "192.168.4.20",
		LeaseTime:       "12h",
		HostapdConfPath: filepath.Join(dir, "hostapd.conf"),
		DnsmasqConfPath: filepath.Join(dir, "dnsmasq.conf"),
		LeaseFilePath:   filepath.Join(dir, "dnsmasq.leases"),
	}
}

func TestSSID(t *testing.T) {
	c := New(&fakeRunner{}, testConfig(t), "dev-001", testLogger())
	if got := c.SSID(); got != "Setup-dev-001" {
		t.Errorf("SSID() = %q, want Setup-dev-001", got)
	}
}

func TestGateway(t *testing.T) {
	cfg := testConfig(t)
	if got := cfg.Gateway(); got != "192.168.4.1" {
		t.Errorf("Gateway() = %q, want 192.168.4.1", got)
	}
}

func TestHostapdConf(t *testing.T) {
	conf := testConfig(t).hostapdConf("Setup-dev-001")
	for _, want := range []string{
		"interface=wlan0",
		"ssid=Setup-dev-001",
		"channel=6",
		"wpa=0", // open network
		"country_code=US",
		"driver=nl80211",
	} {
		if !strings.Contains(conf, want+"\n") {
			t.Errorf("hostapd config missing %q:\n%s", want, conf)
		}
	}
}

func TestDnsmasqConf(t *testing.T) {
	cfg := testConfig(t)
	conf := cfg.dnsmasqConf()
	for _, want := range []string{
		"dhcp-range=192.168.4.2,192.168.4.20,255.255.255.0,12h",
		"dhcp-option=3,192.168.4.1",
		"address=/#/192.168.4.1", // captive portal redirect
		"dhcp-leasefile=" + cfg.LeaseFilePath,
	} {
		if !strings.Contains(conf, want+"\n") {
			t.Errorf("dnsmasq config missing %q:\n%s", want, conf)
		}
	}
}

func TestRaise(t *testing.T) {
	run := &fakeRunner{}
	cfg := testConfig(t)
	c := New(run, cfg, "dev-001", testLogger())

	info, err := c.Raise(context.Background())
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if info.SSID != "Setup-dev-001" {
		t.Errorf("SSID = %q, want Setup-dev-001", info.SSID)
	}
	if info.Gateway != "192.168.4.1" {
		t.Errorf("Gateway = %q, want 192.168.4.1", info.Gateway)
	}

	// Fresh configs were generated for this raise.
	data, err := os.ReadFile(cfg.HostapdConfPath)
	if err != nil {
		t.Fatalf("hostapd config not written: %v", err)
	}
	if !strings.Contains(string(data), "ssid=Setup-dev-001") {
		t.Errorf("hostapd config missing ssid:\n%s", data)
	}
	if _, err := os.ReadFile(cfg.DnsmasqConfPath); err != nil {
		t.Fatalf("dnsmasq config not written: %v", err)
	}

	// dnsmasq needs port 53, which systemd-resolved holds.
	if !run.called("systemctl stop systemd-resolved") {
		t.Error("systemd-resolved was not stopped before dnsmasq")
	}
	if !run.called("nmcli device set wlan0 managed no") {
		t.Error("interface was not unmanaged before AP mode")
	}
	if !c.IsActive(context.Background()) {
		t.Error("IsActive = false after successful Raise")
	}
}

func TestRaiseHostapdFailure(t *testing.T) {
	run := &fakeRunner{hostapdExit: 1}
	c := New(run, testConfig(t), "dev-001", testLogger())

	_, err := c.Raise(context.Background())
	if err == nil {
		t.Fatal("expected error when hostapd refuses to start")
	}
	if runner.KindOf(err) != runner.KindDaemon {
		t.Errorf("KindOf = %v, want KindDaemon", runner.KindOf(err))
	}
	// Failed raise cleans up after itself.
	if !run.called("ip addr flush dev wlan0") {
		t.Error("interface address not flushed after failed raise")
	}
	if c.IsActive(context.Background()) {
		t.Error("IsActive = true after failed Raise")
	}
}

func TestLower(t *testing.T) {
	run := &fakeRunner{hostapdUp: true, dnsmasqUp: true, addrSet: true}
	c := New(run, testConfig(t), "dev-001", testLogger())

	if err := c.Lower(context.Background()); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	for _, want := range []string{
		"systemctl stop hostapd",
		"systemctl stop dnsmasq",
		"ip addr flush dev wlan0",
		"nmcli device set wlan0 managed yes",
		"systemctl start systemd-resolved",
	} {
		if !run.called(want) {
			t.Errorf("Lower did not run %q", want)
		}
	}
	if c.IsActive(context.Background()) {
		t.Error("IsActive = true after Lower")
	}
}

func TestIsActiveRequiresBothDaemons(t *testing.T) {
	run := &fakeRunner{hostapdUp: true, dnsmasqUp: false, addrSet: true}
	c := New(run, testConfig(t), "dev-001", testLogger())
	if c.IsActive(context.Background()) {
		t.Error("IsActive = true with dnsmasq down")
	}
}

func TestConnectedClients(t *testing.T) {
	cfg := testConfig(t)
	c := New(&fakeRunner{}, cfg, "dev-001", testLogger())

	// Missing lease file means nobody connected yet.
	n, err := c.ConnectedClients()
	if err != nil {
		t.Fatalf("ConnectedClients: %v", err)
	}
	if n != 0 {
		t.Errorf("clients = %d, want 0", n)
	}

	leases := "1756000000 aa:bb:cc:dd:ee:ff 192.168.4.2 phone *\n" +
		"1756000000 11:22:33:44:55:66 192.168.4.3 laptop *\n\n"
	if err := os.WriteFile(cfg.LeaseFilePath, []byte(leases), 0644); err != nil {
		t.Fatal(err)
	}
	n, err = c.ConnectedClients()
	if err != nil {
		t.Fatalf("ConnectedClients: %v", err)
	}
	if n != 2 {
		t.Errorf("clients = %d, want 2", n)
	}
}
