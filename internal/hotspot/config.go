package hotspot

import (
	"fmt"
	"strings"
)

// Config holds access point controller configuration.
type Config struct {
	Interface   string // radio interface, e.g. "wlan0"
	SSIDPrefix  string // broadcast name is prefix + device identifier
	Channel     int
	Country     string
	GatewayCIDR string // fixed provisioning address, e.g. "192.168.4.1/24"
	DHCPStart   string
	DHCPEnd     string
	LeaseTime   string

	HostapdConfPath string
	DnsmasqConfPath string
	LeaseFilePath   string
}

// Gateway returns the provisioning address without the prefix length.
func (c Config) Gateway() string {
	if i := strings.IndexByte(c.GatewayCIDR, '/'); i >= 0 {
		return c.GatewayCIDR[:i]
	}
	return c.GatewayCIDR
}

// hostapdConf renders the minimal open-network hostapd configuration.
// Kept deliberately sparse: the embedded radio driver crashes on the
// fancier 802.11n options.
func (c Config) hostapdConf(ssid string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", c.Interface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", ssid)
	b.WriteString("hw_mode=g\n")
	fmt.Fprintf(&b, "channel=%d\n", c.Channel)
	b.WriteString("auth_algs=1\n")
	b.WriteString("wpa=0\n")
	fmt.Fprintf(&b, "country_code=%s\n", c.Country)
	b.WriteString("wmm_enabled=0\n")
	b.WriteString("ieee80211n=0\n")
	b.WriteString("ignore_broadcast_ssid=0\n")
	b.WriteString("macaddr_acl=0\n")
	b.WriteString("ctrl_interface=/var/run/hostapd\n")
	return b.String()
}

// dnsmasqConf renders the DHCP/DNS configuration for the provisioning
// subnet, including the captive-portal redirect that points every DNS
// query at the gateway so the companion app finds the device.
func (c Config) dnsmasqConf() string {
	gw := c.Gateway()
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", c.Interface)
	b.WriteString("bind-interfaces\n")
	b.WriteString("except-interface=lo\n")
	fmt.Fprintf(&b, "dhcp-range=%s,%s,255.255.255.0,%s\n", c.DHCPStart, c.DHCPEnd, c.LeaseTime)
	fmt.Fprintf(&b, "dhcp-option=3,%s\n", gw)
	fmt.Fprintf(&b, "dhcp-option=6,%s\n", gw)
	b.WriteString("no-resolv\n")
	b.WriteString("server=8.8.8.8\n")
	b.WriteString("server=8.8.4.4\n")
	fmt.Fprintf(&b, "address=/#/%s\n", gw)
	b.WriteString("cache-size=150\n")
	fmt.Fprintf(&b, "dhcp-leasefile=%s\n", c.LeaseFilePath)
	b.WriteString("no-hosts\n")
	return b.String()
}
