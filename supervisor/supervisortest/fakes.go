// Package supervisortest has in-memory stand-ins for the process table and the ssh launcher.
package supervisortest

import (
	"fmt"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/process"
	"github.com/openportio/openport-tunnels/utils"
	"sync"
	"syscall"
)

type fakeProcess struct {
	name       string
	alive      bool
	ignoreTerm bool
	ignoreKill bool
	// polls the process still answers as alive after a fatal signal
	linger int
	dying  bool
}

type SentSignal struct {
	Pid    int
	Signal syscall.Signal
}

// FakeInspector is a process table and socket table held in memory.
type FakeInspector struct {
	mu        sync.Mutex
	processes map[int]*fakeProcess
	// port -> owning pid; 0 for a listener outside any tunnel
	ports   map[int]int
	signals []SentSignal
}

func NewFakeInspector() *FakeInspector {
	return &FakeInspector{processes: map[int]*fakeProcess{}, ports: map[int]int{}}
}

func (i *FakeInspector) AddProcess(pid int, name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.processes[pid] = &fakeProcess{name: name, alive: true}
}

// Bind makes port listen on behalf of pid. Use pid 0 for a foreign service.
func (i *FakeInspector) Bind(port int, pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ports[port] = pid
}

func (i *FakeInspector) Unbind(port int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.ports, port)
}

// Kill ends pid out of band, releasing its ports.
func (i *FakeInspector) Kill(pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.exit(pid)
}

// Rename changes the command name of pid, as if the pid had been reused.
func (i *FakeInspector) Rename(pid int, name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.processes[pid]; ok {
		p.name = name
	}
}

// IgnoreSignals makes pid survive SIGTERM and, with kill set, SIGKILL too.
func (i *FakeInspector) IgnoreSignals(pid int, term bool, kill bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.processes[pid]; ok {
		p.ignoreTerm = term
		p.ignoreKill = kill
	}
}

// Linger keeps pid visible as alive for the given number of IsAlive calls after a signal
// ends it, like a process still being torn down by the kernel.
func (i *FakeInspector) Linger(pid int, polls int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.processes[pid]; ok {
		p.linger = polls
	}
}

func (i *FakeInspector) exit(pid int) {
	if p, ok := i.processes[pid]; ok {
		p.alive = false
	}
	for port, owner := range i.ports {
		if owner == pid {
			delete(i.ports, port)
		}
	}
}

func (i *FakeInspector) Signals() []SentSignal {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]SentSignal(nil), i.signals...)
}

func (i *FakeInspector) SignalsTo(pid int) []syscall.Signal {
	var sent []syscall.Signal
	for _, s := range i.Signals() {
		if s.Pid == pid {
			sent = append(sent, s.Signal)
		}
	}
	return sent
}

func (i *FakeInspector) IsAlive(pid int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.processes[pid]
	if ok && p.dying {
		if p.linger > 0 {
			p.linger--
			return true
		}
		p.dying = false
		i.exit(pid)
	}
	return ok && p.alive
}

func (i *FakeInspector) IsPortListening(port int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.ports[port]
	return ok
}

func (i *FakeInspector) ProcessName(pid int) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.processes[pid]
	if !ok || !p.alive {
		return "", fmt.Errorf("no process %d", pid)
	}
	return p.name, nil
}

func (i *FakeInspector) Signal(pid int, sig syscall.Signal) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.signals = append(i.signals, SentSignal{Pid: pid, Signal: sig})
	p, ok := i.processes[pid]
	if !ok || !p.alive || p.dying {
		return nil
	}
	if (sig == syscall.SIGTERM && !p.ignoreTerm) || (sig == syscall.SIGKILL && !p.ignoreKill) {
		if p.linger > 0 {
			p.dying = true
			return nil
		}
		i.exit(pid)
	}
	return nil
}

// FakeLauncher starts fake ssh processes in a FakeInspector.
type FakeLauncher struct {
	mu        sync.Mutex
	Inspector *FakeInspector
	nextPid   int
	launches  []database.TunnelSpec
	keyPaths  []string

	// Err is returned instead of launching while set.
	Err error
	// SkipBind leaves the listen port of new processes unbound.
	SkipBind bool
	// ExitImmediately makes new processes die right after launch.
	ExitImmediately bool
}

func NewFakeLauncher(inspector *FakeInspector) *FakeLauncher {
	return &FakeLauncher{Inspector: inspector, nextPid: 1000}
}

func (l *FakeLauncher) Launch(spec database.TunnelSpec, connection database.Connection, keyPath string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if spec.Type != database.TunnelRemote && l.Inspector.IsPortListening(spec.ListenPort) {
		return 0, fmt.Errorf("%w: %d", process.ErrPortConflict, spec.ListenPort)
	}
	if l.Err != nil {
		return 0, l.Err
	}
	l.nextPid++
	pid := l.nextPid
	l.launches = append(l.launches, spec)
	l.keyPaths = append(l.keyPaths, keyPath)
	l.Inspector.AddProcess(pid, "ssh")
	if l.ExitImmediately {
		l.Inspector.Kill(pid)
		return pid, nil
	}
	if !l.SkipBind && spec.Type != database.TunnelRemote {
		l.Inspector.Bind(spec.ListenPort, pid)
	}
	return pid, nil
}

func (l *FakeLauncher) Launches() []database.TunnelSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]database.TunnelSpec(nil), l.launches...)
}

func (l *FakeLauncher) KeyPaths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keyPaths...)
}

func (l *FakeLauncher) Configure(f func(l *FakeLauncher)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f(l)
}

// FakeKeys resolves key names to fixed paths.
type FakeKeys map[string]string

func (k FakeKeys) ResolvePrivateKey(name string) (string, error) {
	path, ok := k[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", utils.ErrKeyNotFound, name)
	}
	return path, nil
}
