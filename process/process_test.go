package process

import (
	"fmt"
	"github.com/openportio/openport-tunnels/config"
	"github.com/openportio/openport-tunnels/database"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "fake-ssh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func testConnection() database.Connection {
	return database.Connection{Name: "office", Host: "10.0.0.5", Port: 22, Username: "ops"}
}

func TestBuildCommand_Types(t *testing.T) {
	cfg := config.Default().SSH
	cfg.KnownHostsFile = "/tmp/known_hosts"

	binary, args, env := BuildCommand(cfg, database.TunnelSpec{Type: database.TunnelLocal, ListenPort: 15432, RemoteHost: "db", RemotePort: 5432}, testConnection(), "/keys/id_ops")
	assert.Equal(t, "ssh", binary)
	assert.Nil(t, env)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-o BatchMode=yes")
	assert.Contains(t, joined, "-o ExitOnForwardFailure=yes")
	assert.Contains(t, joined, "-o StrictHostKeyChecking=accept-new")
	assert.Contains(t, joined, "-o UserKnownHostsFile=/tmp/known_hosts")
	assert.Contains(t, joined, "-i /keys/id_ops")
	assert.Equal(t, []string{"-p", "22", "-L", "15432:db:5432", "ops@10.0.0.5"}, args[len(args)-5:])

	_, args, _ = BuildCommand(cfg, database.TunnelSpec{Type: database.TunnelRemote, ListenPort: 8080, RemoteHost: "localhost", RemotePort: 80}, testConnection(), "")
	assert.Equal(t, []string{"-R", "8080:localhost:80"}, args[len(args)-3:len(args)-1])
	assert.NotContains(t, args, "-i")

	cfg.BindAddress = "127.0.0.1"
	_, args, _ = BuildCommand(cfg, database.TunnelSpec{Type: database.TunnelDynamic, ListenPort: 1080}, testConnection(), "k")
	assert.Equal(t, []string{"-D", "127.0.0.1:1080"}, args[len(args)-3:len(args)-1])
}

func TestBuildCommand_Autossh(t *testing.T) {
	cfg := config.Default().SSH
	cfg.UseAutossh = true
	cfg.Binary = "/usr/bin/ssh"
	binary, args, env := BuildCommand(cfg, database.TunnelSpec{Type: database.TunnelDynamic, ListenPort: 1080}, testConnection(), "k")
	assert.Equal(t, "autossh", binary)
	assert.Equal(t, []string{"-M", "0"}, args[:2])
	assert.Contains(t, env, "AUTOSSH_PATH=/usr/bin/ssh")
	assert.Contains(t, env, "AUTOSSH_GATETIME=0")
}

func newTestLauncher(t *testing.T, binary string) *SSHLauncher {
	cfg := config.Default()
	cfg.SSH.Binary = binary
	cfg.TunnelLogDir = t.TempDir()
	cfg.Supervisor.LaunchGrace = config.Duration{Duration: 200 * time.Millisecond}
	return NewSSHLauncher(cfg, NewProcInspector())
}

func TestSSHLauncher_Launch(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	launcher := newTestLauncher(t, writeScript(t, fmt.Sprintf("echo \"$@\" > %s\nexec sleep 30", argsFile)))
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	pid, err := launcher.Launch(database.TunnelSpec{ID: "t1", Type: database.TunnelDynamic, ListenPort: port}, testConnection(), "/keys/id_ops")
	require.NoError(t, err)
	defer syscall.Kill(pid, syscall.SIGKILL)
	assert.True(t, launcher.Inspector.IsAlive(pid))

	assert.Eventually(t, func() bool {
		buf, err := os.ReadFile(argsFile)
		return err == nil && strings.Contains(string(buf), fmt.Sprintf("-D %d ops@10.0.0.5", port))
	}, 2*time.Second, 20*time.Millisecond)
	assert.FileExists(t, LogPath(launcher.LogDir, "t1"))
}

func TestSSHLauncher_ImmediateExit(t *testing.T) {
	launcher := newTestLauncher(t, writeScript(t, "echo 'ops@10.0.0.5: Permission denied (publickey).' >&2\nexit 255"))
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	_, err = launcher.Launch(database.TunnelSpec{ID: "t2", Type: database.TunnelDynamic, ListenPort: port}, testConnection(), "k")
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Contains(t, err.Error(), "Permission denied (publickey)")
}

func TestSSHLauncher_MissingBinary(t *testing.T) {
	launcher := newTestLauncher(t, filepath.Join(t.TempDir(), "no-such-ssh"))
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	_, err = launcher.Launch(database.TunnelSpec{ID: "t3", Type: database.TunnelDynamic, ListenPort: port}, testConnection(), "k")
	assert.ErrorIs(t, err, ErrLaunchFailed)
}

func TestSSHLauncher_PortConflict(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	marker := filepath.Join(t.TempDir(), "ran")
	launcher := newTestLauncher(t, writeScript(t, "touch "+marker))
	_, err = launcher.Launch(database.TunnelSpec{ID: "t4", Type: database.TunnelLocal, ListenPort: port, RemoteHost: "db", RemotePort: 5432}, testConnection(), "k")
	assert.ErrorIs(t, err, ErrPortConflict)
	assert.NoFileExists(t, marker)
}

func TestProcInspector(t *testing.T) {
	inspector := NewProcInspector()
	assert.True(t, inspector.IsAlive(os.Getpid()))
	assert.False(t, inspector.IsAlive(0))
	assert.False(t, inspector.IsAlive(1<<22+17))

	name, err := inspector.ProcessName(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	assert.True(t, inspector.IsPortListening(port))
	listener.Close()
	assert.False(t, inspector.IsPortListening(port))
	assert.False(t, inspector.IsPortListening(0))

	assert.NoError(t, inspector.Signal(1<<22+17, syscall.SIGTERM))
}

func TestProcInspector_Zombie(t *testing.T) {
	inspector := NewProcInspector()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	// Not waited for yet, so the exited child lingers as a zombie.
	assert.Eventually(t, func() bool { return !inspector.IsAlive(pid) }, 2*time.Second, 10*time.Millisecond)
	cmd.Wait()
}

func TestLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	require.NoError(t, os.WriteFile(path, []byte("old run\nnew run failed\n"), 0600))
	assert.Equal(t, "new run failed", LogTail(path, int64(len("old run\n"))))
	assert.Equal(t, "", LogTail(filepath.Join(t.TempDir(), "missing"), 0))

	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", LOG_TAIL_BYTES*2)), 0600))
	assert.Len(t, LogTail(path, 0), LOG_TAIL_BYTES)
}
