// Package inspect answers "what is already true" on the host.
// It runs read-only diagnostics, parses their text output into typed facts
// and never elevates privilege on its own: the caller picks the Runner.
package inspect

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	gnet "github.com/shirou/gopsutil/v4/net"

	"github.com/doughall/mcbridge/internal/plan"
)

// ForwardingKey is the kernel parameter for IPv4 forwarding.
const ForwardingKey = "net.ipv4.ip_forward"

// Runner runs a diagnostic command. *executor.Executor implements it;
// RunnerFunc adapts privileges.Broker.Run.
type Runner interface {
	Output(ctx context.Context, argv ...string) (plan.StepResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, argv ...string) (plan.StepResult, error)

// Output implements Runner.
func (f RunnerFunc) Output(ctx context.Context, argv ...string) (plan.StepResult, error) {
	return f(ctx, argv...)
}

// Interface describes a network interface.
type Interface struct {
	Name         string   `json:"name" yaml:"name"`
	Up           bool     `json:"up" yaml:"up"`
	HardwareAddr string   `json:"hardware_addr,omitempty" yaml:"hardware_addr,omitempty"`
	Addrs        []string `json:"addrs,omitempty" yaml:"addrs,omitempty"`
}

// Host holds static facts about the machine, recorded with each run.
type Host struct {
	Hostname        string `json:"hostname" yaml:"hostname"`
	Platform        string `json:"platform,omitempty" yaml:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty" yaml:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty" yaml:"kernel_version,omitempty"`
	Arch            string `json:"arch" yaml:"arch"`
}

// Snapshot is the current-state view taken once per reconciliation pass.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at" yaml:"taken_at"`

	Rules RuleSet `json:"-" yaml:"-"`

	// Forwarding is meaningful only when ForwardingKnown is set.
	Forwarding      bool `json:"forwarding" yaml:"forwarding"`
	ForwardingKnown bool `json:"forwarding_known" yaml:"forwarding_known"`

	Interfaces []Interface `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	Host       Host        `json:"host" yaml:"host"`
}

// Interface returns the named interface.
func (s *Snapshot) Interface(name string) (Interface, bool) {
	for _, iface := range s.Interfaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return Interface{}, false
}

// Inspector takes snapshots.
type Inspector struct {
	runner Runner
	logger *slog.Logger

	// ListInterfaces and HostInfo default to gopsutil.
	ListInterfaces func(ctx context.Context) ([]Interface, error)
	HostInfo       func(ctx context.Context) (Host, error)
}

// New creates an Inspector that runs diagnostics through runner.
func New(runner Runner, logger *slog.Logger) *Inspector {
	return &Inspector{
		runner:         runner,
		logger:         logger.With(slog.String("component", "inspect")),
		ListInterfaces: SystemInterfaces,
		HostInfo:       SystemHost,
	}
}

// Snapshot collects firewall rules, the forwarding flag, interfaces and host
// facts. A diagnostic that runs but fails (non-zero exit, unparsable output)
// contributes no facts and is logged; a runner error is returned.
func (i *Inspector) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: time.Now().UTC()}

	rules, err := i.Rules(ctx)
	if err != nil {
		return nil, err
	}
	snap.Rules = rules

	fwd, known, err := i.Forwarding(ctx)
	if err != nil {
		return nil, err
	}
	snap.Forwarding, snap.ForwardingKnown = fwd, known

	if i.ListInterfaces != nil {
		ifaces, err := i.ListInterfaces(ctx)
		if err != nil {
			i.logger.Warn("listing interfaces failed", slog.String("error", err.Error()))
		}
		snap.Interfaces = ifaces
	}

	if i.HostInfo != nil {
		h, err := i.HostInfo(ctx)
		if err != nil {
			i.logger.Debug("host info incomplete", slog.String("error", err.Error()))
		}
		snap.Host = h
	}

	i.logger.Debug("snapshot taken",
		slog.Int("rules", snap.Rules.Len()),
		slog.Bool("forwarding", snap.Forwarding),
		slog.Bool("forwarding_known", snap.ForwardingKnown),
		slog.Int("interfaces", len(snap.Interfaces)),
	)
	return snap, nil
}

// Rules dumps and parses the firewall tables.
func (i *Inspector) Rules(ctx context.Context) (RuleSet, error) {
	out, err := i.runner.Output(ctx, "iptables-save")
	if err != nil {
		return RuleSet{}, fmt.Errorf("iptables-save: %w", err)
	}
	if out.ReturnCode != 0 {
		i.logger.Warn("iptables-save failed, assuming no rules",
			slog.Int("returncode", out.ReturnCode),
			slog.String("stderr", out.Stderr),
		)
		return NewRuleSet(), nil
	}
	return ParseRuleTable(out.Stdout), nil
}

// Forwarding reads the IPv4 forwarding flag. known is false when sysctl
// failed or printed something unexpected.
func (i *Inspector) Forwarding(ctx context.Context) (enabled, known bool, err error) {
	out, err := i.runner.Output(ctx, "sysctl", "-n", ForwardingKey)
	if err != nil {
		return false, false, fmt.Errorf("sysctl: %w", err)
	}
	if out.ReturnCode != 0 {
		i.logger.Warn("sysctl failed",
			slog.String("key", ForwardingKey),
			slog.Int("returncode", out.ReturnCode),
			slog.String("stderr", out.Stderr),
		)
		return false, false, nil
	}
	enabled, perr := ParseSysctlBool(out.Stdout, ForwardingKey)
	if perr != nil {
		i.logger.Warn("unparsable sysctl output", slog.String("error", perr.Error()))
		return false, false, nil
	}
	return enabled, true, nil
}

// SystemInterfaces lists interfaces with gopsutil.
func SystemInterfaces(ctx context.Context) ([]Interface, error) {
	stats, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{Name: s.Name, HardwareAddr: s.HardwareAddr}
		for _, f := range s.Flags {
			if f == "up" {
				iface.Up = true
			}
		}
		for _, a := range s.Addrs {
			iface.Addrs = append(iface.Addrs, a.Addr)
		}
		out = append(out, iface)
	}
	return out, nil
}

// SystemHost reads host facts with gopsutil. Partial facts are returned
// alongside the error.
func SystemHost(ctx context.Context) (Host, error) {
	h := Host{Arch: runtime.GOARCH}
	info, err := host.InfoWithContext(ctx)
	if info != nil {
		h.Hostname = info.Hostname
		h.Platform = info.Platform
		h.PlatformVersion = info.PlatformVersion
		h.KernelVersion = info.KernelVersion
	}
	if err != nil {
		return h, fmt.Errorf("host info: %w", err)
	}
	return h, nil
}
