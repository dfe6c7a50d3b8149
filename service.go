package openport

import (
	"context"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/supervisor"
	"github.com/openportio/openport-tunnels/utils"
)

// Service is what the CLI needs from the supervisor. The App serves it in process; the
// ControlClient forwards it to a running daemon.
type Service interface {
	PutConnection(req supervisor.ConnectionRequest) (database.Connection, error)
	DeleteConnection(name string) error
	ListConnections() ([]database.Connection, error)

	CreateTunnel(ctx context.Context, req supervisor.TunnelRequest) (database.Tunnel, error)
	StartTunnel(ctx context.Context, id string) (database.Tunnel, error)
	StopTunnel(ctx context.Context, id string) (database.Tunnel, error)
	DeleteTunnel(id string) error
	GetTunnel(id string) (database.Tunnel, error)
	ListTunnels() ([]database.Tunnel, error)
	Evaluate(ctx context.Context) ([]database.Tunnel, error)

	GenerateKey(name string, keyType string, bits int) error
	PublicKey(name string) (string, error)
	RemoveKey(name string) error
	ListKeys() ([]utils.KeyInfo, error)
}

func (app *App) PutConnection(req supervisor.ConnectionRequest) (database.Connection, error) {
	return app.Supervisor.PutConnection(req)
}

func (app *App) DeleteConnection(name string) error {
	return app.Supervisor.DeleteConnection(name)
}

func (app *App) ListConnections() ([]database.Connection, error) {
	return app.Supervisor.ListConnections()
}

func (app *App) CreateTunnel(ctx context.Context, req supervisor.TunnelRequest) (database.Tunnel, error) {
	defer app.publishTunnels()
	return app.Supervisor.CreateAndStart(ctx, req)
}

func (app *App) StartTunnel(ctx context.Context, id string) (database.Tunnel, error) {
	defer app.publishTunnels()
	return app.Supervisor.Start(ctx, id)
}

func (app *App) StopTunnel(ctx context.Context, id string) (database.Tunnel, error) {
	defer app.publishTunnels()
	return app.Supervisor.Stop(ctx, id)
}

func (app *App) DeleteTunnel(id string) error {
	defer app.publishTunnels()
	return app.Supervisor.Delete(id)
}

func (app *App) GetTunnel(id string) (database.Tunnel, error) {
	return app.Supervisor.Get(id)
}

func (app *App) ListTunnels() ([]database.Tunnel, error) {
	return app.Supervisor.List()
}

func (app *App) Evaluate(ctx context.Context) ([]database.Tunnel, error) {
	defer app.publishTunnels()
	return app.Supervisor.EvaluateAll(ctx)
}

func (app *App) GenerateKey(name string, keyType string, bits int) error {
	if keyType == "" {
		keyType = app.Config.Keys.DefaultType
	}
	if bits == 0 {
		bits = app.Config.Keys.DefaultBits
	}
	return app.Keys.Generate(name, keyType, bits)
}

func (app *App) PublicKey(name string) (string, error) {
	return app.Keys.GetPublicKey(name)
}

func (app *App) RemoveKey(name string) error {
	return app.Keys.Remove(name)
}

func (app *App) ListKeys() ([]utils.KeyInfo, error) {
	return app.Keys.List()
}
