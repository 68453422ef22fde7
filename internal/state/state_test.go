package state

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func valid() Desired {
	return Desired{
		AP: AP{
			Interface:  "wlan0",
			SSID:       "mcbridge",
			Passphrase: "correct horse",
			Address:    netip.MustParsePrefix("192.168.50.1/24"),
		},
		DNS: DNS{
			RangeStart: netip.MustParseAddr("192.168.50.10"),
			RangeEnd:   netip.MustParseAddr("192.168.50.100"),
		},
		Upstream: Upstream{Interface: "wlan1"},
	}
}

func TestValidate(t *testing.T) {
	d := valid()
	assert.NoError(t, d.Validate())

	tests := []struct {
		name   string
		mutate func(*Desired)
		want   error
	}{
		{"missing ap interface", func(d *Desired) { d.AP.Interface = "" }, ErrAPInterfaceRequired},
		{"same interface", func(d *Desired) { d.Upstream.Interface = "wlan0" }, ErrSameInterface},
		{"missing ssid", func(d *Desired) { d.AP.SSID = "" }, ErrSSIDRequired},
		{"short passphrase", func(d *Desired) { d.AP.Passphrase = "short" }, ErrPassphraseLength},
		{"ipv6 address", func(d *Desired) { d.AP.Address = netip.MustParsePrefix("fd00::1/64") }, ErrInvalidAddress},
		{"range outside subnet", func(d *Desired) { d.DNS.RangeEnd = netip.MustParseAddr("10.0.0.1") }, ErrInvalidDHCPRange},
		{"inverted range", func(d *Desired) {
			d.DNS.RangeStart, d.DNS.RangeEnd = d.DNS.RangeEnd, d.DNS.RangeStart
		}, ErrInvalidDHCPRange},
		{"network without ssid", func(d *Desired) { d.Upstream.Networks = []Network{{PSK: "x"}} }, ErrNetworkSSIDRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), tt.want)
		})
	}

	t.Run("open network needs no passphrase", func(t *testing.T) {
		d := valid()
		d.AP.Passphrase = ""
		assert.NoError(t, d.Validate())
	})
}

func TestGenerated(t *testing.T) {
	p := Paths{GeneratedDir: "/etc/mcbridge/generated"}
	assert.Equal(t, "/etc/mcbridge/generated/hostapd.conf", p.Generated("/etc/hostapd/hostapd.conf"))
	assert.Empty(t, Paths{}.Generated("/etc/hostapd/hostapd.conf"))

	p.GeneratedOverrides = map[string]string{"/etc/systemd/system/wlan0ap-ip.service": "/srv/gen/unit"}
	assert.Equal(t, "/srv/gen/unit", p.Generated("/etc/systemd/system/wlan0ap-ip.service"))
	assert.Equal(t, "/etc/mcbridge/generated/hostapd.conf", p.Generated("/etc/hostapd/hostapd.conf"))
}
