package supervisor

import (
	"fmt"
	"github.com/openportio/openport-tunnels/process"
	"path/filepath"
	"time"
)

type Verdict string

const (
	Healthy      Verdict = "healthy"
	ProcessDead  Verdict = "process_dead"
	PortNotBound Verdict = "port_not_bound"
)

// comm names are cut to 15 bytes by the kernel.
const commLength = 15

type ProbeResult struct {
	Verdict Verdict
	Detail  string
}

func (r ProbeResult) Healthy() bool {
	return r.Verdict == Healthy
}

// Prober turns process table and socket observations into a health verdict.
type Prober struct {
	Inspector process.Inspector
	// ProcessNames are the command names a tunnel process may have. A live pid with another
	// name belongs to something else, usually after the pid was recycled.
	ProcessNames map[string]bool
	// Observe, when set, receives the duration of every probe.
	Observe func(time.Duration)
}

func NewProber(inspector process.Inspector, binaries ...string) *Prober {
	names := map[string]bool{"ssh": true, "autossh": true}
	for _, binary := range binaries {
		if binary == "" {
			continue
		}
		name := filepath.Base(binary)
		if len(name) > commLength {
			name = name[:commLength]
		}
		names[name] = true
	}
	return &Prober{Inspector: inspector, ProcessNames: names}
}

// Owns reports whether pid is alive and looks like a tunnel process. When the command name
// can't be read the pid is given the benefit of the doubt.
func (p *Prober) Owns(pid int) bool {
	if !p.Inspector.IsAlive(pid) {
		return false
	}
	name, err := p.Inspector.ProcessName(pid)
	if err != nil {
		return true
	}
	return p.ProcessNames[name]
}

// Probe checks that pid is a live tunnel process and, unless listenPort is 0, that the port
// is in LISTEN state.
func (p *Prober) Probe(pid int, listenPort int) ProbeResult {
	if p.Observe != nil {
		start := time.Now()
		defer func() { p.Observe(time.Since(start)) }()
	}
	if pid <= 0 {
		return ProbeResult{ProcessDead, "no process"}
	}
	if !p.Inspector.IsAlive(pid) {
		return ProbeResult{ProcessDead, fmt.Sprintf("process %d is not running", pid)}
	}
	if name, err := p.Inspector.ProcessName(pid); err == nil && !p.ProcessNames[name] {
		return ProbeResult{ProcessDead, fmt.Sprintf("pid %d now belongs to %q", pid, name)}
	}
	if listenPort == 0 {
		return ProbeResult{Healthy, fmt.Sprintf("process %d running", pid)}
	}
	if !p.Inspector.IsPortListening(listenPort) {
		return ProbeResult{PortNotBound, fmt.Sprintf("process %d running but port %d is not listening", pid, listenPort)}
	}
	return ProbeResult{Healthy, fmt.Sprintf("process %d listening on port %d", pid, listenPort)}
}
