// Package render turns desired state into configuration file contents for
// hostapd, dnsmasq, wpa_supplicant and systemd. Rendering is pure: the
// same state always produces the same bytes, so rewriting a file with
// freshly rendered contents is a no-op when nothing changed.
package render

import (
	"bytes"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/doughall/mcbridge/internal/state"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// ErrInvalidValue is returned for values that would corrupt a line-based
// config file.
var ErrInvalidValue = errors.New("invalid config value")

// Modes for rendered files. Files holding secrets are root-only.
const (
	ModeSecret os.FileMode = 0600
	ModePublic os.FileMode = 0644
)

// File is one rendered configuration file.
type File struct {
	// Name identifies the file in logs and reports.
	Name     string
	Path     string
	Contents []byte
	Mode     os.FileMode
}

// Defaults applied when the state leaves a field empty.
const (
	DefaultChannel   = 6
	DefaultHWMode    = "g"
	DefaultLeaseTime = "12h"
)

func execute(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func checkLine(field, value string) error {
	if strings.ContainsAny(value, "\n\r\x00") {
		return fmt.Errorf("%s: %w: contains a line break", field, ErrInvalidValue)
	}
	return nil
}

// Hostapd renders hostapd.conf.
func Hostapd(ap state.AP) ([]byte, error) {
	for field, v := range map[string]string{"ssid": ap.SSID, "passphrase": ap.Passphrase, "country": ap.Country} {
		if err := checkLine(field, v); err != nil {
			return nil, err
		}
	}
	if ap.Channel == 0 {
		ap.Channel = DefaultChannel
	}
	if ap.HWMode == "" {
		ap.HWMode = DefaultHWMode
	}
	return execute("hostapd.conf.tmpl", ap)
}

type dnsmasqData struct {
	Interface     string
	RangeStart    netip.Addr
	RangeEnd      netip.Addr
	Netmask       string
	LeaseTime     string
	Gateway       netip.Addr
	Domain        string
	Servers       []string
	OverridesPath string
}

// Dnsmasq renders dnsmasq.conf for the AP interface. overridesPath, when
// set, is included with conf-file=.
func Dnsmasq(ap state.AP, dns state.DNS, overridesPath string) ([]byte, error) {
	if !ap.Address.IsValid() {
		return nil, fmt.Errorf("dnsmasq: %w: no AP address", ErrInvalidValue)
	}
	if err := checkLine("domain", dns.Domain); err != nil {
		return nil, err
	}

	start, end := dns.RangeStart, dns.RangeEnd
	if !start.IsValid() || !end.IsValid() {
		start, end = DefaultRange(ap.Address)
	}
	lease := dns.LeaseTime
	if lease == "" {
		lease = DefaultLeaseTime
	}

	return execute("dnsmasq.conf.tmpl", dnsmasqData{
		Interface:     ap.Interface,
		RangeStart:    start,
		RangeEnd:      end,
		Netmask:       netmask(ap.Address),
		LeaseTime:     lease,
		Gateway:       ap.Address.Addr(),
		Domain:        dns.Domain,
		Servers:       dns.Servers,
		OverridesPath: overridesPath,
	})
}

// DnsmasqOverrides renders fixed host name answers, sorted by name.
func DnsmasqOverrides(dns state.DNS) []byte {
	names := make([]string, 0, len(dns.Overrides))
	for name := range dns.Overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("# Generated by mcbridge. Local edits are overwritten.\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "address=/%s/%s\n", name, dns.Overrides[name])
	}
	return buf.Bytes()
}

type wpaNetwork struct {
	SSID     string
	PSK      string
	Priority int
	Hidden   bool
}

// WPASupplicant renders the upstream client configuration. SSIDs that
// cannot be written as a quoted string are hex encoded; 64 hex digit PSKs
// are written raw.
func WPASupplicant(up state.Upstream) ([]byte, error) {
	if err := checkLine("country", up.Country); err != nil {
		return nil, err
	}
	networks := make([]wpaNetwork, 0, len(up.Networks))
	for _, n := range up.Networks {
		psk, err := wpaPSK(n.PSK)
		if err != nil {
			return nil, fmt.Errorf("network %q: %w", n.SSID, err)
		}
		networks = append(networks, wpaNetwork{
			SSID:     wpaSSID(n.SSID),
			PSK:      psk,
			Priority: n.Priority,
			Hidden:   n.Hidden,
		})
	}
	return execute("wpa_supplicant.conf.tmpl", struct {
		Country  string
		Networks []wpaNetwork
	}{up.Country, networks})
}

func wpaSSID(ssid string) string {
	for _, r := range ssid {
		if r < 0x20 || r > 0x7e || r == '"' {
			return hex.EncodeToString([]byte(ssid))
		}
	}
	return strconv.Quote(ssid)
}

func wpaPSK(psk string) (string, error) {
	if psk == "" {
		return "", nil
	}
	if len(psk) == 64 {
		if _, err := hex.DecodeString(psk); err == nil {
			return psk, nil
		}
	}
	if len(psk) < 8 || len(psk) > 63 {
		return "", fmt.Errorf("psk: %w: passphrase must be 8 to 63 characters", ErrInvalidValue)
	}
	if err := checkLine("psk", psk); err != nil {
		return "", err
	}
	if strings.Contains(psk, `"`) {
		return "", fmt.Errorf("psk: %w: contains a double quote", ErrInvalidValue)
	}
	return `"` + psk + `"`, nil
}

// HostapdDefault renders /etc/default/hostapd pointing the init script at
// the active configuration.
func HostapdDefault(confPath string) []byte {
	return []byte(fmt.Sprintf("# Generated by mcbridge.\nDAEMON_CONF=%q\n", confPath))
}

// APAddressUnitName is the systemd unit that assigns the AP address.
func APAddressUnitName(iface string) string {
	return iface + "ap-ip.service"
}

// APAddressUnit renders a oneshot unit that assigns the AP address before
// hostapd and dnsmasq start.
func APAddressUnit(ap state.AP) ([]byte, error) {
	if !ap.Address.IsValid() || ap.Interface == "" {
		return nil, fmt.Errorf("ap address unit: %w: interface and address are required", ErrInvalidValue)
	}
	device := "sys-subsystem-net-devices-" + unit.UnitNameEscape(ap.Interface) + ".device"
	addr := ap.Address.String()

	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "mcbridge access point address on "+ap.Interface),
		unit.NewUnitOption("Unit", "BindsTo", device),
		unit.NewUnitOption("Unit", "After", device),
		unit.NewUnitOption("Unit", "Before", "hostapd.service dnsmasq.service"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
		unit.NewUnitOption("Service", "ExecStart", "/sbin/ip link set "+ap.Interface+" up"),
		unit.NewUnitOption("Service", "ExecStart", "/sbin/ip addr replace "+addr+" dev "+ap.Interface),
		unit.NewUnitOption("Service", "ExecStop", "-/sbin/ip addr del "+addr+" dev "+ap.Interface),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
	return io.ReadAll(unit.Serialize(opts))
}

// DefaultRange picks a DHCP range inside prefix: from host .10 up to 100
// addresses later, clipped to the last usable address.
func DefaultRange(prefix netip.Prefix) (start, end netip.Addr) {
	base := prefix.Masked().Addr()
	start = base
	for i := 0; i < 10; i++ {
		start = start.Next()
	}
	last := lastUsable(prefix)
	end = start
	for i := 0; i < 100 && end.Less(last); i++ {
		end = end.Next()
	}
	if !prefix.Contains(start) || last.Less(start) {
		start = base.Next()
		end = last
	}
	return start, end
}

func lastUsable(prefix netip.Prefix) netip.Addr {
	if prefix.Bits() >= 31 {
		return prefix.Addr()
	}
	a := prefix.Masked().Addr().As4()
	hostBits := 32 - prefix.Bits()
	n := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	n |= (1 << hostBits) - 1
	n-- // broadcast
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

func netmask(prefix netip.Prefix) string {
	return net.IP(net.CIDRMask(prefix.Bits(), 32)).String()
}
