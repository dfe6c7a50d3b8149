package supervisor_test

import (
	"context"
	"fmt"
	"github.com/openportio/openport-tunnels/config"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/process"
	"github.com/openportio/openport-tunnels/supervisor"
	"github.com/openportio/openport-tunnels/supervisor/supervisortest"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

// fakeSSH opens the -D port and idles, which is all the supervisor can observe of a working
// dynamic tunnel.
const fakeSSH = `
import socket, sys, time
args = sys.argv[1:]
port = int(args[args.index("-D") + 1].rsplit(":", 1)[-1])
s = socket.socket(socket.AF_INET, socket.SOCK_STREAM)
s.setsockopt(socket.SOL_SOCKET, socket.SO_REUSEADDR, 1)
s.bind(("127.0.0.1", port))
s.listen(1)
while True:
    time.sleep(1)
`

// writeFakeSSH installs the script as "ssh" so the kernel reports that command name for it.
func writeFakeSSH(t *testing.T) string {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	path := filepath.Join(t.TempDir(), "ssh")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("#!%s\n%s", python, fakeSSH)), 0755))
	return path
}

func TestSupervisor_RealProcess(t *testing.T) {
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.Resolve()
	cfg.SSH.Binary = writeFakeSSH(t)
	cfg.Supervisor.ProbeInterval = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Supervisor.LaunchGrace = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Supervisor.StopGrace = config.Duration{Duration: 2 * time.Second}

	inspector := process.NewProcInspector()
	store := database.NewMemoryDBHandler()
	require.NoError(t, store.PutConnection(&database.Connection{Name: "office", Host: "10.0.0.5", Port: 22, Username: "ops", KeyName: "id_ops"}))
	sup := supervisor.New(supervisor.Options{
		Store:     store,
		Launcher:  process.NewSSHLauncher(cfg, inspector),
		Inspector: inspector,
		Keys:      supervisortest.FakeKeys{"id_ops": "/keys/id_ops"},
		Config:    cfg,
	})
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	ctx := context.Background()

	tunnel, err := sup.CreateAndStart(ctx, dynamic(port))
	require.NoError(t, err)
	t.Cleanup(func() { syscall.Kill(tunnel.Pid, syscall.SIGKILL) })
	assert.Equal(t, database.StatusRunning, tunnel.Status)
	assert.True(t, inspector.IsPortListening(port))
	assert.True(t, sup.Prober().Owns(tunnel.Pid))
	name, err := inspector.ProcessName(tunnel.Pid)
	require.NoError(t, err)
	assert.Equal(t, "ssh", name)

	_, err = sup.CreateAndStart(ctx, dynamic(port))
	assert.ErrorIs(t, err, supervisor.ErrPortConflict)

	tunnels, err := sup.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, tunnels, 1)
	assert.Equal(t, database.StatusRunning, tunnels[0].Status)
	assert.Equal(t, tunnel.Pid, tunnels[0].Pid)

	stopped, err := sup.Stop(ctx, tunnel.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusStopped, stopped.Status)
	assert.Eventually(t, func() bool { return !inspector.IsAlive(tunnel.Pid) }, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return !inspector.IsPortListening(port) }, 2*time.Second, 20*time.Millisecond)
}
