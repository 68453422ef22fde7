package render

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doughall/mcbridge/internal/state"
)

func testAP() state.AP {
	return state.AP{
		Interface:  "wlan0",
		SSID:       "mcbridge",
		Passphrase: "correct horse",
		Country:    "GB",
		Address:    netip.MustParsePrefix("192.168.50.1/24"),
	}
}

func TestHostapd(t *testing.T) {
	out, err := Hostapd(testAP())
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "interface=wlan0\n")
	assert.Contains(t, text, "ssid=mcbridge\n")
	assert.Contains(t, text, "channel=6\n")
	assert.Contains(t, text, "hw_mode=g\n")
	assert.Contains(t, text, "country_code=GB\n")
	assert.Contains(t, text, "wpa_passphrase=correct horse\n")
	assert.True(t, strings.HasSuffix(text, "rsn_pairwise=CCMP\n"))
	assert.NotContains(t, text, "\n\n")

	again, err := Hostapd(testAP())
	require.NoError(t, err)
	assert.Equal(t, out, again, "rendering is deterministic")

	t.Run("open network", func(t *testing.T) {
		ap := testAP()
		ap.Passphrase = ""
		ap.Country = ""
		out, err := Hostapd(ap)
		require.NoError(t, err)
		assert.NotContains(t, string(out), "wpa=")
		assert.NotContains(t, string(out), "country_code")
	})

	t.Run("line breaks are rejected", func(t *testing.T) {
		ap := testAP()
		ap.SSID = "evil\ninterface=eth0"
		_, err := Hostapd(ap)
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}

func TestDnsmasq(t *testing.T) {
	dns := state.DNS{
		Domain:  "mc.lan",
		Servers: []string{"1.1.1.1", "9.9.9.9"},
	}
	out, err := Dnsmasq(testAP(), dns, "/etc/dnsmasq.d/mcbridge.conf")
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "interface=wlan0\n")
	assert.Contains(t, text, "dhcp-range=192.168.50.10,192.168.50.110,255.255.255.0,12h\n")
	assert.Contains(t, text, "dhcp-option=option:router,192.168.50.1\n")
	assert.Contains(t, text, "domain=mc.lan\n")
	assert.Contains(t, text, "no-resolv\nserver=1.1.1.1\nserver=9.9.9.9\n")
	assert.True(t, strings.HasSuffix(text, "conf-file=/etc/dnsmasq.d/mcbridge.conf\n"))

	t.Run("explicit range", func(t *testing.T) {
		dns := state.DNS{
			RangeStart: netip.MustParseAddr("192.168.50.50"),
			RangeEnd:   netip.MustParseAddr("192.168.50.60"),
			LeaseTime:  "1h",
		}
		out, err := Dnsmasq(testAP(), dns, "")
		require.NoError(t, err)
		assert.Contains(t, string(out), "dhcp-range=192.168.50.50,192.168.50.60,255.255.255.0,1h\n")
		assert.NotContains(t, string(out), "conf-file")
		assert.NotContains(t, string(out), "no-resolv")
	})

	t.Run("missing address", func(t *testing.T) {
		ap := testAP()
		ap.Address = netip.Prefix{}
		_, err := Dnsmasq(ap, state.DNS{}, "")
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}

func TestDnsmasqOverrides(t *testing.T) {
	out := DnsmasqOverrides(state.DNS{Overrides: map[string]netip.Addr{
		"printer.lan": netip.MustParseAddr("192.168.50.5"),
		"nas.lan":     netip.MustParseAddr("192.168.50.4"),
	}})
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "address=/nas.lan/192.168.50.4", lines[1])
	assert.Equal(t, "address=/printer.lan/192.168.50.5", lines[2])
}

func TestWPASupplicant(t *testing.T) {
	up := state.Upstream{
		Interface: "wlan1",
		Country:   "GB",
		Networks: []state.Network{
			{SSID: "home", PSK: "hunter2hunter2", Priority: 10},
			{SSID: `cafe "free"`, Hidden: true},
			{SSID: "raw", PSK: strings.Repeat("ab", 32)},
		},
	}
	out, err := WPASupplicant(up)
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "country=GB\n")
	assert.Contains(t, text, "network={\n\tssid=\"home\"\n\tpsk=\"hunter2hunter2\"\n\tkey_mgmt=WPA-PSK\n\tpriority=10\n}\n")
	assert.Contains(t, text, "\tssid=6361666520226672656522\n\tkey_mgmt=NONE\n\tscan_ssid=1\n")
	assert.Contains(t, text, "\tpsk="+strings.Repeat("ab", 32)+"\n")
	assert.Equal(t, 3, strings.Count(text, "network={"))
	assert.True(t, strings.HasSuffix(text, "}\n"))

	t.Run("bad psk", func(t *testing.T) {
		_, err := WPASupplicant(state.Upstream{Networks: []state.Network{{SSID: "x", PSK: "short"}}})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}

func TestHostapdDefault(t *testing.T) {
	assert.Equal(t, "# Generated by mcbridge.\nDAEMON_CONF=\"/etc/hostapd/hostapd.conf\"\n",
		string(HostapdDefault("/etc/hostapd/hostapd.conf")))
}

func TestAPAddressUnit(t *testing.T) {
	assert.Equal(t, "wlan0ap-ip.service", APAddressUnitName("wlan0"))

	out, err := APAddressUnit(testAP())
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "[Unit]\n")
	assert.Contains(t, text, "BindsTo=sys-subsystem-net-devices-wlan0.device\n")
	assert.Contains(t, text, "[Service]\n")
	assert.Contains(t, text, "ExecStart=/sbin/ip addr replace 192.168.50.1/24 dev wlan0\n")
	assert.Contains(t, text, "WantedBy=multi-user.target\n")
	assert.Less(t, strings.Index(text, "ip link set"), strings.Index(text, "ip addr replace"))

	_, err = APAddressUnit(state.AP{Interface: "wlan0"})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestDefaultRange(t *testing.T) {
	tests := []struct {
		prefix     string
		start, end string
	}{
		{"192.168.50.1/24", "192.168.50.10", "192.168.50.110"},
		{"10.0.0.1/16", "10.0.0.10", "10.0.0.110"},
		{"192.168.50.1/28", "192.168.50.10", "192.168.50.14"},
		{"192.168.50.1/29", "192.168.50.1", "192.168.50.6"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			start, end := DefaultRange(netip.MustParsePrefix(tt.prefix))
			assert.Equal(t, tt.start, start.String())
			assert.Equal(t, tt.end, end.String())
		})
	}
}
