package process

import (
	"errors"
	"fmt"
	"github.com/openportio/openport-tunnels/config"
	"github.com/openportio/openport-tunnels/database"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const LOG_TAIL_BYTES = 2048

var (
	ErrPortConflict = errors.New("listen port already bound")
	ErrLaunchFailed = errors.New("ssh launch failed")
)

// Launcher spawns the forwarding process for a tunnel and returns its pid.
type Launcher interface {
	Launch(spec database.TunnelSpec, connection database.Connection, keyPath string) (int, error)
}

type SSHLauncher struct {
	SSH    config.SSHConfig
	LogDir string
	// LaunchGrace is how long a fresh process is watched for an immediate exit.
	LaunchGrace time.Duration
	Inspector   Inspector
}

func NewSSHLauncher(cfg config.Config, inspector Inspector) *SSHLauncher {
	return &SSHLauncher{
		SSH:         cfg.SSH,
		LogDir:      cfg.TunnelLogDir,
		LaunchGrace: cfg.Supervisor.LaunchGrace.Duration,
		Inspector:   inspector,
	}
}

// LogPath is the file collecting stdout and stderr of every process launched for tunnel id.
func LogPath(dir string, id string) string {
	return filepath.Join(dir, id+".log")
}

// ForwardArgument returns the argument of the -L, -R or -D flag.
func ForwardArgument(bindAddress string, spec database.TunnelSpec) string {
	var parts []string
	if bindAddress != "" && spec.Type != database.TunnelRemote {
		parts = append(parts, bindAddress)
	}
	parts = append(parts, strconv.Itoa(spec.ListenPort))
	if spec.Type != database.TunnelDynamic {
		parts = append(parts, spec.RemoteHost, strconv.Itoa(spec.RemotePort))
	}
	return strings.Join(parts, ":")
}

// BuildCommand returns the binary, its arguments and the extra environment for a tunnel.
// Options are chosen for unattended use: no prompts, exit when the forward can't be set up,
// and keepalives so a dead server is noticed.
func BuildCommand(cfg config.SSHConfig, spec database.TunnelSpec, connection database.Connection, keyPath string) (string, []string, []string) {
	args := []string{
		"-N", "-T",
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
	}
	if cfg.StrictHostKeyChecking != "" {
		args = append(args, "-o", "StrictHostKeyChecking="+cfg.StrictHostKeyChecking)
	}
	if cfg.KnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+cfg.KnownHostsFile)
	}
	if cfg.ServerAliveInterval > 0 {
		args = append(args, "-o", fmt.Sprintf("ServerAliveInterval=%d", cfg.ServerAliveInterval))
	}
	if cfg.ServerAliveCountMax > 0 {
		args = append(args, "-o", fmt.Sprintf("ServerAliveCountMax=%d", cfg.ServerAliveCountMax))
	}
	if cfg.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", cfg.ConnectTimeout))
	}
	if keyPath != "" {
		args = append(args, "-o", "IdentitiesOnly=yes", "-i", keyPath)
	}
	args = append(args,
		"-p", strconv.Itoa(connection.Port),
		spec.Type.Flag(), ForwardArgument(cfg.BindAddress, spec),
		fmt.Sprintf("%s@%s", connection.Username, connection.Host),
	)

	if !cfg.UseAutossh {
		return cfg.Binary, args, nil
	}
	// autossh restarts ssh itself; monitoring ports are replaced by the ssh keepalives above.
	env := []string{"AUTOSSH_GATETIME=0", "AUTOSSH_PATH=" + cfg.Binary}
	return cfg.AutosshBinary, append([]string{"-M", "0"}, args...), env
}

// Launch starts the process in its own session so it outlives the caller, and reaps it in
// the background. A process that exits within LaunchGrace is reported as ErrLaunchFailed
// with the tail of its output.
func (l *SSHLauncher) Launch(spec database.TunnelSpec, connection database.Connection, keyPath string) (int, error) {
	logger := log.WithFields(log.Fields{"tunnel": spec.ID, "port": spec.ListenPort})
	if spec.Type != database.TunnelRemote && l.Inspector != nil && l.Inspector.IsPortListening(spec.ListenPort) {
		logger.Warnf("Port %d is already bound, not launching", spec.ListenPort)
		return 0, fmt.Errorf("%w: %d", ErrPortConflict, spec.ListenPort)
	}

	binary, args, env := BuildCommand(l.SSH, spec, connection, keyPath)
	if err := os.MkdirAll(l.LogDir, 0700); err != nil {
		return 0, fmt.Errorf("%w: creating log dir: %s", ErrLaunchFailed, err)
	}
	logPath := LogPath(l.LogDir, spec.ID)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("%w: opening log: %s", ErrLaunchFailed, err)
	}
	fmt.Fprintf(logFile, "--- %s %s %s\n", time.Now().UTC().Format(time.RFC3339), binary, strings.Join(args, " "))
	offset, _ := logFile.Seek(0, io.SeekEnd)

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	logger.Debugf("Running %s %s", binary, strings.Join(args, " "))
	err = cmd.Start()
	logFile.Close()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrLaunchFailed, err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		logger.WithField("pid", pid).Debugf("Process exited: %s", cmd.ProcessState)
	}()

	select {
	case waitErr := <-exited:
		detail := LogTail(logPath, offset)
		logger.Warnf("%s exited immediately: %s", binary, detail)
		if detail == "" && waitErr != nil {
			detail = waitErr.Error()
		}
		return 0, fmt.Errorf("%w: %s", ErrLaunchFailed, detail)
	case <-time.After(l.LaunchGrace):
	}
	logger.WithField("pid", pid).Infof("Launched %s", binary)
	return pid, nil
}

// LogTail returns the last LOG_TAIL_BYTES written to path after offset, trimmed.
func LogTail(path string, offset int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	start := offset
	if info.Size()-start > LOG_TAIL_BYTES {
		start = info.Size() - LOG_TAIL_BYTES
	}
	if start < 0 {
		start = 0
	}
	buf, err := io.ReadAll(io.NewSectionReader(f, start, info.Size()-start))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}
