// Package planner turns desired state plus an inspected snapshot into the
// minimal ordered plan that closes the gap.
//
// Firewall and forwarding steps are emitted only when the snapshot shows they
// are missing. Configuration files are always rewritten: rendering is
// deterministic, so an unchanged file is rewritten with identical bytes.
package planner

import (
	"fmt"
	"strings"

	"github.com/doughall/mcbridge/internal/inspect"
	"github.com/doughall/mcbridge/internal/plan"
	"github.com/doughall/mcbridge/internal/render"
	"github.com/doughall/mcbridge/internal/state"
)

// FirewallRule is a rule the NAT bridge needs.
type FirewallRule struct {
	Table string
	Chain string
	Spec  string
}

// Argv returns the iptables command that appends the rule.
func (r FirewallRule) Argv() []string {
	argv := []string{"iptables"}
	if r.Table != "filter" {
		argv = append(argv, "-t", r.Table)
	}
	argv = append(argv, "-A", r.Chain)
	return append(argv, strings.Fields(r.Spec)...)
}

// FirewallRules lists the rules bridging ap to upstream, in the order they
// are added: masquerade on the way out, forward out, forward replies back.
func FirewallRules(ap, upstream string) []FirewallRule {
	return []FirewallRule{
		{Table: "nat", Chain: "POSTROUTING", Spec: "-o " + upstream + " -j MASQUERADE"},
		{Table: "filter", Chain: "FORWARD", Spec: "-i " + ap + " -o " + upstream + " -j ACCEPT"},
		{Table: "filter", Chain: "FORWARD", Spec: "-i " + upstream + " -o " + ap + " -m state --state ESTABLISHED,RELATED -j ACCEPT"},
	}
}

// Firewall emits a RunCommand for each rule absent from rules.
func Firewall(ap, upstream string, rules inspect.RuleSet) []plan.Step {
	var steps []plan.Step
	for _, r := range FirewallRules(ap, upstream) {
		if rules.Has(r.Table, r.Chain, r.Spec) {
			continue
		}
		steps = append(steps, plan.RunCommand{Argv: r.Argv()})
	}
	return steps
}

// Forwarding emits a sysctl write when the inspected flag differs from
// desired, or could not be read.
func Forwarding(desired bool, snap *inspect.Snapshot) []plan.Step {
	if snap != nil && snap.ForwardingKnown && snap.Forwarding == desired {
		return nil
	}
	value := "0"
	if desired {
		value = "1"
	}
	return []plan.Step{plan.Command("sysctl", "-w", inspect.ForwardingKey+"="+value)}
}

// AP renders the access point files: hostapd.conf, the init default that
// points at it, and the unit that assigns the AP address.
func AP(d *state.Desired) ([]render.File, error) {
	hostapd, err := render.Hostapd(d.AP)
	if err != nil {
		return nil, err
	}
	unit, err := render.APAddressUnit(d.AP)
	if err != nil {
		return nil, err
	}
	return []render.File{
		{Name: "hostapd.conf", Path: d.Paths.HostapdConf, Contents: hostapd, Mode: render.ModeSecret},
		{Name: "hostapd default", Path: d.Paths.HostapdDefault, Contents: render.HostapdDefault(d.Paths.HostapdConf), Mode: render.ModePublic},
		{Name: render.APAddressUnitName(d.AP.Interface), Path: d.Paths.APAddressUnit, Contents: unit, Mode: render.ModePublic},
	}, nil
}

// DNS renders dnsmasq.conf and its host overrides.
func DNS(d *state.Desired) ([]render.File, error) {
	conf, err := render.Dnsmasq(d.AP, d.DNS, d.Paths.DnsmasqOverrides)
	if err != nil {
		return nil, err
	}
	return []render.File{
		{Name: "dnsmasq.conf", Path: d.Paths.DnsmasqConf, Contents: conf, Mode: render.ModePublic},
		{Name: "dnsmasq overrides", Path: d.Paths.DnsmasqOverrides, Contents: render.DnsmasqOverrides(d.DNS), Mode: render.ModePublic},
	}, nil
}

// Upstream renders the wpa_supplicant configuration.
func Upstream(d *state.Desired) ([]render.File, error) {
	conf, err := render.WPASupplicant(d.Upstream)
	if err != nil {
		return nil, err
	}
	return []render.File{
		{Name: "wpa_supplicant.conf", Path: d.Paths.UpstreamWPAConf, Contents: conf, Mode: render.ModeSecret},
	}, nil
}

// Files renders every configuration file in plan order. Files with an
// empty path are skipped.
func Files(d *state.Desired) ([]render.File, error) {
	var out []render.File
	for _, subsystem := range []struct {
		name  string
		build func(*state.Desired) ([]render.File, error)
	}{
		{"ap", AP},
		{"dns", DNS},
		{"upstream", Upstream},
	} {
		files, err := subsystem.build(d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", subsystem.name, err)
		}
		for _, f := range files {
			if f.Path != "" {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// FileSteps converts rendered files to write steps. Each active file is
// preceded by its generated copy when the paths configure one.
func FileSteps(files []render.File, paths state.Paths) []plan.Step {
	steps := make([]plan.Step, 0, 2*len(files))
	for _, f := range files {
		if gen := paths.Generated(f.Path); gen != "" && gen != f.Path {
			steps = append(steps, plan.File(gen, f.Contents, f.Mode))
		}
		steps = append(steps, plan.File(f.Path, f.Contents, f.Mode))
	}
	return steps
}

// Build computes the plan for one reconciliation pass from a single
// snapshot: forwarding, then firewall, then AP, DNS and upstream files.
func Build(d *state.Desired, snap *inspect.Snapshot) (*plan.Plan, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("desired state: %w", err)
	}
	if snap == nil {
		snap = &inspect.Snapshot{}
	}

	files, err := Files(d)
	if err != nil {
		return nil, err
	}

	p := plan.New()
	p.Add(Forwarding(d.Forwarding, snap)...)
	if d.Forwarding {
		p.Add(Firewall(d.AP.Interface, d.Upstream.Interface, snap.Rules)...)
	}
	p.Add(FileSteps(files, d.Paths)...)
	return p, nil
}

// Setup prepares the directories mcbridge writes into: the agent socket
// directory (group-accessible when group is set), the generated directory
// and the failed-run archive.
func Setup(paths state.Paths, socketGroup string) []plan.Step {
	var steps []plan.Step
	if paths.SocketDir != "" {
		argv := []string{"install", "-d", "-m", "0750"}
		if socketGroup != "" {
			argv = append(argv, "-g", socketGroup)
		}
		steps = append(steps, plan.RunCommand{Argv: append(argv, paths.SocketDir)})
	}
	for _, dir := range []string{paths.GeneratedDir, paths.FailedRoot} {
		if dir != "" {
			steps = append(steps, plan.Command("install", "-d", "-m", "0755", dir))
		}
	}
	return steps
}
