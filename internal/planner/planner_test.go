package planner

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doughall/mcbridge/internal/inspect"
	"github.com/doughall/mcbridge/internal/plan"
	"github.com/doughall/mcbridge/internal/state"
)

func desired(t *testing.T) *state.Desired {
	etc := t.TempDir()
	return &state.Desired{
		AP: state.AP{
			Interface:  "wlan0",
			SSID:       "mcbridge",
			Passphrase: "correct horse",
			Address:    netip.MustParsePrefix("192.168.50.1/24"),
		},
		Upstream: state.Upstream{
			Interface: "wlan1",
			Networks:  []state.Network{{SSID: "home", PSK: "hunter2hunter2"}},
		},
		Forwarding: true,
		Paths: state.Paths{
			HostapdConf:      filepath.Join(etc, "hostapd.conf"),
			DnsmasqConf:      filepath.Join(etc, "dnsmasq.conf"),
			DnsmasqOverrides: filepath.Join(etc, "dnsmasq-mcbridge.conf"),
			HostapdDefault:   filepath.Join(etc, "default", "hostapd"),
			UpstreamWPAConf:  filepath.Join(etc, "wpa_supplicant-wlan1.conf"),
			APAddressUnit:    filepath.Join(etc, "systemd", "system", "wlan0ap-ip.service"),
			SocketDir:        filepath.Join(etc, "run"),
		},
	}
}

// dumpFor renders the iptables-save output a host would show once every
// rule for ap/upstream is in place.
func dumpFor(ap, upstream string) string {
	return "*nat\n" +
		"-A POSTROUTING -o " + upstream + " -j MASQUERADE\n" +
		"COMMIT\n" +
		"*filter\n" +
		"-A FORWARD -i " + ap + " -o " + upstream + " -j ACCEPT\n" +
		"-A FORWARD -i " + upstream + " -o " + ap + " -m state --state RELATED,ESTABLISHED -j ACCEPT\n" +
		"COMMIT\n"
}

func commands(p *plan.Plan) [][]string {
	var out [][]string
	for _, c := range p.Commands() {
		out = append(out, c.Argv)
	}
	return out
}

func TestFirewall(t *testing.T) {
	rules := inspect.ParseRuleTable("*nat\n-A POSTROUTING -o eth0 -j MASQUERADE\nCOMMIT\n")

	t.Run("present masquerade is not re-added", func(t *testing.T) {
		steps := Firewall("wlan0", "eth0", rules)
		for _, s := range steps {
			assert.NotContains(t, s.(plan.RunCommand).Argv, "MASQUERADE")
		}
		assert.Len(t, steps, 2)
	})

	t.Run("absent interface gets exactly one masquerade", func(t *testing.T) {
		steps := Firewall("wlan0", "wlan1", rules)
		var masq int
		for _, s := range steps {
			for _, arg := range s.(plan.RunCommand).Argv {
				if arg == "MASQUERADE" {
					masq++
				}
			}
		}
		assert.Equal(t, 1, masq)
		assert.Equal(t,
			[]string{"iptables", "-t", "nat", "-A", "POSTROUTING", "-o", "wlan1", "-j", "MASQUERADE"},
			steps[0].(plan.RunCommand).Argv)
	})

	t.Run("complete rule set emits nothing", func(t *testing.T) {
		assert.Empty(t, Firewall("wlan0", "wlan1", inspect.ParseRuleTable(dumpFor("wlan0", "wlan1"))))
	})

	t.Run("rule order is fixed", func(t *testing.T) {
		steps := Firewall("wlan0", "wlan1", inspect.RuleSet{})
		require.Len(t, steps, 3)
		assert.Equal(t, []string{"iptables", "-A", "FORWARD", "-i", "wlan0", "-o", "wlan1", "-j", "ACCEPT"},
			steps[1].(plan.RunCommand).Argv)
		assert.Equal(t, []string{"iptables", "-A", "FORWARD", "-i", "wlan1", "-o", "wlan0", "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			steps[2].(plan.RunCommand).Argv)
	})
}

func TestForwarding(t *testing.T) {
	assert.Empty(t, Forwarding(true, &inspect.Snapshot{Forwarding: true, ForwardingKnown: true}))
	assert.Empty(t, Forwarding(false, &inspect.Snapshot{ForwardingKnown: true}))

	steps := Forwarding(true, &inspect.Snapshot{ForwardingKnown: true})
	require.Len(t, steps, 1)
	assert.Equal(t, []string{"sysctl", "-w", "net.ipv4.ip_forward=1"}, steps[0].(plan.RunCommand).Argv)

	steps = Forwarding(true, &inspect.Snapshot{Forwarding: true})
	assert.Len(t, steps, 1, "unknown flag is written")

	steps = Forwarding(false, &inspect.Snapshot{Forwarding: true, ForwardingKnown: true})
	assert.Equal(t, []string{"sysctl", "-w", "net.ipv4.ip_forward=0"}, steps[0].(plan.RunCommand).Argv)
}

func TestBuildScenario(t *testing.T) {
	d := desired(t)
	snap := &inspect.Snapshot{ForwardingKnown: true, Forwarding: false, Rules: inspect.NewRuleSet()}

	p, err := Build(d, snap)
	require.NoError(t, err)

	cmds := commands(p)
	require.Len(t, cmds, 4)
	assert.Equal(t, "sysctl", cmds[0][0])
	assert.Contains(t, cmds[1], "MASQUERADE")
	assert.Equal(t, "FORWARD", cmds[2][2])
	assert.Equal(t, "FORWARD", cmds[3][2])
	for _, c := range cmds {
		assert.NotEqual(t, "install", c[0], "directories are left to Setup")
	}

	for i, s := range p.Steps {
		if i < 4 {
			assert.Equal(t, plan.ActionRun, s.Action(), "commands come first")
		} else {
			assert.Equal(t, plan.ActionWriteFile, s.Action(), "then config files")
		}
	}

	var paths []string
	for _, f := range p.Files() {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		d.Paths.HostapdConf,
		d.Paths.HostapdDefault,
		d.Paths.APAddressUnit,
		d.Paths.DnsmasqConf,
		d.Paths.DnsmasqOverrides,
		d.Paths.UpstreamWPAConf,
	}, paths)

	assert.NoError(t, plan.Validate(p))
}

func TestBuildIdempotent(t *testing.T) {
	d := desired(t)
	settled := &inspect.Snapshot{
		ForwardingKnown: true,
		Forwarding:      true,
		Rules:           inspect.ParseRuleTable(dumpFor("wlan0", "wlan1")),
	}

	first, err := Build(d, settled)
	require.NoError(t, err)
	second, err := Build(d, settled)
	require.NoError(t, err)

	assert.Empty(t, first.Commands(), "settled host needs no commands")
	assert.Empty(t, second.Commands())
	assert.Equal(t, first.Files(), second.Files(), "file contents are identical across passes")
}

func TestBuildWithoutForwarding(t *testing.T) {
	d := desired(t)
	d.Forwarding = false
	p, err := Build(d, &inspect.Snapshot{ForwardingKnown: true})
	require.NoError(t, err)
	assert.Empty(t, p.Commands(), "no NAT rules when forwarding is off")
}

func TestBuildInvalid(t *testing.T) {
	d := desired(t)
	d.AP.Interface = ""
	_, err := Build(d, nil)
	assert.ErrorIs(t, err, state.ErrAPInterfaceRequired)
}

func TestGeneratedCopies(t *testing.T) {
	d := desired(t)
	d.Paths.GeneratedDir = filepath.Join(t.TempDir(), "generated")

	p, err := Build(d, &inspect.Snapshot{ForwardingKnown: true, Forwarding: true, Rules: inspect.ParseRuleTable(dumpFor("wlan0", "wlan1"))})
	require.NoError(t, err)

	files := p.Files()
	require.Len(t, files, 12)
	assert.Equal(t, filepath.Join(d.Paths.GeneratedDir, "hostapd.conf"), files[0].Path)
	assert.Equal(t, d.Paths.HostapdConf, files[1].Path)
	assert.Equal(t, files[0].Contents, files[1].Contents)
	assert.Equal(t, files[0].Mode, files[1].Mode)
}

func TestSetup(t *testing.T) {
	steps := Setup(state.Paths{SocketDir: "/run/mcbridge", GeneratedDir: "/etc/mcbridge/generated"}, "mcbridge")
	require.Len(t, steps, 2)
	assert.Equal(t, []string{"install", "-d", "-m", "0750", "-g", "mcbridge", "/run/mcbridge"}, steps[0].(plan.RunCommand).Argv)
	assert.Equal(t, []string{"install", "-d", "-m", "0755", "/etc/mcbridge/generated"}, steps[1].(plan.RunCommand).Argv)
}
