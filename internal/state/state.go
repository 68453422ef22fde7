// Package state describes the desired wireless networking state: an access
// point, its DHCP/DNS service, an upstream Wi-Fi client and the NAT between
// them, plus where their configuration files live.
package state

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
)

// Validation errors.
var (
	ErrAPInterfaceRequired       = errors.New("ap.interface is required")
	ErrUpstreamInterfaceRequired = errors.New("upstream.interface is required")
	ErrSameInterface             = errors.New("ap.interface and upstream.interface must differ")
	ErrSSIDRequired              = errors.New("ap.ssid is required")
	ErrPassphraseLength          = errors.New("ap.passphrase must be 8 to 63 characters")
	ErrInvalidAddress            = errors.New("ap.address must be an IPv4 prefix such as 192.168.50.1/24")
	ErrInvalidDHCPRange          = errors.New("dns.dhcp_range must lie inside ap.address")
	ErrNetworkSSIDRequired       = errors.New("upstream network ssid is required")
)

// AP is the access point served by hostapd.
type AP struct {
	Interface  string
	SSID       string
	Passphrase string
	Channel    int
	HWMode     string
	Country    string

	// Address is the AP interface address with prefix length.
	Address netip.Prefix
}

// DNS is the dnsmasq service on the AP interface.
type DNS struct {
	RangeStart netip.Addr
	RangeEnd   netip.Addr
	LeaseTime  string
	Domain     string

	// Servers are upstream resolvers. Empty uses the host's resolv.conf.
	Servers []string

	// Overrides map host names to fixed addresses.
	Overrides map[string]netip.Addr
}

// Network is one upstream Wi-Fi network.
type Network struct {
	SSID     string
	PSK      string
	Priority int
	Hidden   bool
}

// Upstream is the Wi-Fi client connection managed by wpa_supplicant.
type Upstream struct {
	Interface string
	Country   string
	Networks  []Network
}

// Paths are the files mcbridge writes. Active paths are what the services
// read; generated copies are kept for inspection and diffing.
type Paths struct {
	HostapdConf      string
	DnsmasqConf      string
	DnsmasqOverrides string
	HostapdDefault   string
	UpstreamWPAConf  string
	APAddressUnit    string

	GeneratedDir string
	FailedRoot   string

	// Generated overrides the generated-copy path of individual active
	// files, keyed by active path.
	GeneratedOverrides map[string]string

	// SocketDir holds the agent socket. "mcbridge prepare" creates it;
	// reconcile passes do not touch it.
	SocketDir string
}

// Generated returns the generated-copy path for an active file.
func (p Paths) Generated(active string) string {
	if gen, ok := p.GeneratedOverrides[active]; ok {
		return gen
	}
	if p.GeneratedDir == "" {
		return ""
	}
	return filepath.Join(p.GeneratedDir, filepath.Base(active))
}

// Desired is everything one reconciliation pass converges on.
type Desired struct {
	AP         AP
	DNS        DNS
	Upstream   Upstream
	Forwarding bool
	Paths      Paths

	// Services are brought to enabled (and started when StartServices).
	Services      []string
	StartServices bool
}

// Validate checks the fields the renderers and builders depend on.
func (d *Desired) Validate() error {
	var errs []error
	if d.AP.Interface == "" {
		errs = append(errs, ErrAPInterfaceRequired)
	}
	if d.Upstream.Interface == "" {
		errs = append(errs, ErrUpstreamInterfaceRequired)
	}
	if d.AP.Interface != "" && d.AP.Interface == d.Upstream.Interface {
		errs = append(errs, ErrSameInterface)
	}
	if d.AP.SSID == "" {
		errs = append(errs, ErrSSIDRequired)
	}
	if n := len(d.AP.Passphrase); n != 0 && (n < 8 || n > 63) {
		errs = append(errs, ErrPassphraseLength)
	}
	if !d.AP.Address.IsValid() || !d.AP.Address.Addr().Is4() {
		errs = append(errs, ErrInvalidAddress)
	} else if d.DNS.RangeStart.IsValid() || d.DNS.RangeEnd.IsValid() {
		p := d.AP.Address.Masked()
		if !p.Contains(d.DNS.RangeStart) || !p.Contains(d.DNS.RangeEnd) || d.DNS.RangeEnd.Less(d.DNS.RangeStart) {
			errs = append(errs, ErrInvalidDHCPRange)
		}
	}
	for i, n := range d.Upstream.Networks {
		if n.SSID == "" {
			errs = append(errs, fmt.Errorf("upstream.networks[%d]: %w", i, ErrNetworkSSIDRequired))
		}
	}
	return errors.Join(errs...)
}
