package process

import (
	"errors"
	"github.com/openportio/openport-tunnels/utils"
	"github.com/prometheus/procfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"strings"
	"syscall"
)

// tcpListen is the TCP_LISTEN state as written in /proc/net/tcp.
const tcpListen = 0x0A

// Inspector answers questions about the process table and the listening sockets of the host.
// It only observes; it never touches the tunnel registry.
type Inspector interface {
	IsAlive(pid int) bool
	IsPortListening(port int) bool
	ProcessName(pid int) (string, error)
	Signal(pid int, sig syscall.Signal) error
}

// ProcInspector reads /proc and delivers signals with kill(2).
type ProcInspector struct {
	fs    procfs.FS
	fsErr error
}

func NewProcInspector() *ProcInspector {
	return NewProcInspectorAt(procfs.DefaultMountPoint)
}

func NewProcInspectorAt(mountPoint string) *ProcInspector {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		log.Warnf("procfs unavailable at %s, falling back to signals and bind checks: %s", mountPoint, err)
	}
	return &ProcInspector{fs: fs, fsErr: err}
}

// IsAlive is true when the process exists and is not a zombie.
func (i *ProcInspector) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if i.fsErr != nil {
		err := unix.Kill(pid, 0)
		return err == nil || errors.Is(err, unix.EPERM)
	}
	proc, err := i.fs.Proc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z" && stat.State != "X"
}

// IsPortListening is true when a TCP socket in LISTEN state is bound to port on any
// interface, IPv4 or IPv6.
func (i *ProcInspector) IsPortListening(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	if i.fsErr != nil {
		return !utils.PortIsAvailable(port)
	}
	tcp, err4 := i.fs.NetTCP()
	if err4 == nil {
		for _, line := range tcp {
			if line.St == tcpListen && line.LocalPort == uint64(port) {
				return true
			}
		}
	}
	tcp6, err6 := i.fs.NetTCP6()
	if err6 == nil {
		for _, line := range tcp6 {
			if line.St == tcpListen && line.LocalPort == uint64(port) {
				return true
			}
		}
	}
	if err4 != nil && err6 != nil {
		log.Debugf("Could not read socket tables (%s, %s), trying to bind port %d", err4, err6, port)
		return !utils.PortIsAvailable(port)
	}
	return false
}

// ProcessName returns the command name of pid as the kernel reports it.
func (i *ProcInspector) ProcessName(pid int) (string, error) {
	if i.fsErr != nil {
		return "", i.fsErr
	}
	proc, err := i.fs.Proc(pid)
	if err != nil {
		return "", err
	}
	comm, err := proc.Comm()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(comm), nil
}

// Signal delivers sig to pid. A process that is already gone is not an error.
func (i *ProcInspector) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
