// Package status inspects the host for the pieces of a running access
// point: the hostapd and dnsmasq processes and the state of the AP
// interface. Read-only; needs no privileges.
package status

import (
	"context"
	"log/slog"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// watchedServices are the daemons a running AP depends on.
var watchedServices = []string{"hostapd", "dnsmasq"}

// ServiceState reports whether one watched daemon is running.
type ServiceState struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int32  `json:"pid,omitempty"`
}

// InterfaceState reports the AP interface's presence and addressing.
type InterfaceState struct {
	Name    string   `json:"name"`
	Present bool     `json:"present"`
	Up      bool     `json:"up"`
	Addrs   []string `json:"addrs,omitempty"`
}

// Report is a point-in-time view of the access point's moving parts.
type Report struct {
	Services  []ServiceState `json:"services"`
	Interface InterfaceState `json:"interface"`
}

// Running reports whether every watched service is up and the interface
// is present and up.
func (r *Report) Running() bool {
	for _, s := range r.Services {
		if !s.Running {
			return false
		}
	}
	return r.Interface.Present && r.Interface.Up
}

// Collector gathers status reports.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a Collector.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger.With(slog.String("component", "status"))}
}

// Collect builds a Report for the named AP interface.
func (c *Collector) Collect(ctx context.Context, iface string) (*Report, error) {
	report := &Report{
		Interface: InterfaceState{Name: iface},
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	pids := make(map[string]int32, len(watchedServices))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes we cannot inspect (gone, or not ours) are skipped.
			continue
		}
		for _, want := range watchedServices {
			if name == want {
				pids[want] = p.Pid
			}
		}
	}
	for _, want := range watchedServices {
		st := ServiceState{Name: want}
		if pid, ok := pids[want]; ok {
			st.Running = true
			st.PID = pid
		}
		report.Services = append(report.Services, st)
	}

	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range ifaces {
		if st.Name != iface {
			continue
		}
		report.Interface.Present = true
		for _, flag := range st.Flags {
			if strings.EqualFold(flag, "up") {
				report.Interface.Up = true
			}
		}
		for _, addr := range st.Addrs {
			report.Interface.Addrs = append(report.Interface.Addrs, addr.Addr)
		}
		break
	}

	return report, nil
}
