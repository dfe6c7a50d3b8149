package database

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func stores(t *testing.T) map[string]Store {
	dbHandler := NewDBHandler(filepath.Join(t.TempDir(), "tunnels.db"))
	require.NoError(t, dbHandler.InitDB())
	t.Cleanup(func() { dbHandler.Close() })
	return map[string]Store{
		"sqlite": dbHandler,
		"memory": NewMemoryDBHandler(),
	}
}

func TestStore_Connections(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			connection := &Connection{Name: "bastion", Host: "bastion.example.com", Port: 22, Username: "ops", KeyName: "id_ops"}
			require.NoError(t, store.PutConnection(connection))

			got, err := store.GetConnection("bastion")
			require.NoError(t, err)
			assert.Equal(t, "bastion.example.com", got.Host)
			assert.Equal(t, "id_ops", got.KeyName)
			created := got.CreatedAt
			assert.False(t, created.IsZero())

			time.Sleep(10 * time.Millisecond)
			overwrite := &Connection{Name: "bastion", Host: "10.0.0.1", Port: 2222, Username: "root", PasswordHash: "$2a$10$hash"}
			require.NoError(t, store.PutConnection(overwrite))
			got, err = store.GetConnection("bastion")
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.1", got.Host)
			assert.Equal(t, 2222, got.Port)
			assert.Empty(t, got.KeyName)
			assert.True(t, got.HasPassword())
			assert.True(t, got.CreatedAt.Equal(created))
			assert.True(t, got.UpdatedAt.After(created))

			require.NoError(t, store.PutConnection(&Connection{Name: "alpha", Host: "a", Port: 22, Username: "u"}))
			connections, err := store.ListConnections()
			require.NoError(t, err)
			require.Len(t, connections, 2)
			assert.Equal(t, "alpha", connections[0].Name)
			assert.Equal(t, "bastion", connections[1].Name)

			require.NoError(t, store.DeleteConnection("alpha"))
			assert.ErrorIs(t, store.DeleteConnection("alpha"), ErrConnectionNotFound)
			_, err = store.GetConnection("alpha")
			assert.ErrorIs(t, err, ErrConnectionNotFound)
		})
	}
}

func TestStore_Tunnels(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			tunnel := &Tunnel{
				TunnelSpec: TunnelSpec{ID: "t1", ConnectionName: "bastion", Type: TunnelLocal, ListenPort: 15432,
					RemoteHost: "db.internal", RemotePort: 5432, AutoRestart: true, MaxRestarts: 3},
				TunnelState: TunnelState{Status: StatusStarting, Pid: 4242},
			}
			require.NoError(t, store.SaveTunnel(tunnel))

			now := time.Now().UTC().Truncate(time.Second)
			tunnel.Status = StatusRunning
			tunnel.StartedAt = &now
			tunnel.HealthDetail = "listening on 15432"
			require.NoError(t, store.SaveTunnel(tunnel))

			got, err := store.GetTunnel("t1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, got.Status)
			assert.Equal(t, 4242, got.Pid)
			assert.Equal(t, TunnelLocal, got.Type)
			assert.Equal(t, "db.internal", got.RemoteHost)
			assert.True(t, got.AutoRestart)
			assert.Equal(t, 3, got.MaxRestarts)
			require.NotNil(t, got.StartedAt)
			assert.True(t, got.StartedAt.Equal(now))
			assert.Nil(t, got.LastRestartAt)
			assert.True(t, got.Active())

			require.NoError(t, store.SaveTunnel(&Tunnel{
				TunnelSpec:  TunnelSpec{ID: "t2", ConnectionName: "bastion", Type: TunnelDynamic, ListenPort: 1080},
				TunnelState: TunnelState{Status: StatusStopped},
			}))
			tunnels, err := store.ListTunnels()
			require.NoError(t, err)
			require.Len(t, tunnels, 2)
			assert.Equal(t, "t1", tunnels[0].ID)
			assert.False(t, tunnels[1].Active())

			require.NoError(t, store.DeleteTunnel("t1"))
			assert.ErrorIs(t, store.DeleteTunnel("t1"), ErrTunnelNotFound)
			_, err = store.GetTunnel("t1")
			assert.ErrorIs(t, err, ErrTunnelNotFound)
		})
	}
}

func TestDBHandler_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.db")
	dbHandler := NewDBHandler(path)
	require.NoError(t, dbHandler.InitDB())
	require.NoError(t, dbHandler.SaveTunnel(&Tunnel{
		TunnelSpec:  TunnelSpec{ID: "persisted", ConnectionName: "c", Type: TunnelRemote, ListenPort: 8080, RemoteHost: "localhost", RemotePort: 80},
		TunnelState: TunnelState{Status: StatusRunning, Pid: 99},
	}))
	require.NoError(t, dbHandler.Close())

	reopened := NewDBHandler(path)
	defer reopened.Close()
	got, err := reopened.GetTunnel("persisted")
	require.NoError(t, err)
	assert.Equal(t, TunnelRemote, got.Type)
	assert.Equal(t, 99, got.Pid)
}

func TestDBHandler_ConcurrentFirstUse(t *testing.T) {
	dbHandler := NewDBHandler(filepath.Join(t.TempDir(), "tunnels.db"))
	defer dbHandler.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := dbHandler.ListTunnels()
				errs <- err
				return
			}
			errs <- dbHandler.SaveTunnel(&Tunnel{
				TunnelSpec:  TunnelSpec{ID: fmt.Sprintf("t%d", i), ConnectionName: "c", Type: TunnelDynamic, ListenPort: 9000 + i},
				TunnelState: TunnelState{Status: StatusStopped},
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	tunnels, err := dbHandler.ListTunnels()
	require.NoError(t, err)
	assert.Len(t, tunnels, 8)
}

func TestTunnelType(t *testing.T) {
	assert.Equal(t, "-L", TunnelLocal.Flag())
	assert.Equal(t, "-R", TunnelRemote.Flag())
	assert.Equal(t, "-D", TunnelDynamic.Flag())
	assert.False(t, TunnelType("socks").Valid())
	assert.True(t, StatusRestarting.HoldsProcess())
	assert.False(t, StatusFailed.HoldsProcess())
	assert.False(t, StatusStopped.HoldsProcess())
}
