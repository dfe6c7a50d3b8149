package openport

import (
	"container/list"
	"context"
	"errors"
	"github.com/openportio/openport-tunnels/config"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/metrics"
	"github.com/openportio/openport-tunnels/process"
	"github.com/openportio/openport-tunnels/supervisor"
	"github.com/openportio/openport-tunnels/utils"
	"github.com/openportio/openport-tunnels/ws_channel"
	log "github.com/sirupsen/logrus"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

const VERSION = "1.0.0"

const EXIT_CODE_OK = 0
const EXIT_CODE_ERROR = 1
const EXIT_CODE_INTERRUPTED = 2
const EXIT_CODE_NOT_FOUND = 3
const EXIT_CODE_CONFLICT = 4
const EXIT_CODE_TUNNEL_FAILED = 5
const EXIT_CODE_USAGE = 6
const EXIT_CODE_INVALID_ARGUMENT = 7
const EXIT_CODE_NO_DAEMON = 8
const EXIT_CODE_STOP_FAILED = 9

// exitCodes maps the error taxonomy onto process exit codes, most specific first.
var exitCodes = []struct {
	err  error
	code int
}{
	{supervisor.ErrValidation, EXIT_CODE_INVALID_ARGUMENT},
	{utils.ErrInvalidKeyName, EXIT_CODE_INVALID_ARGUMENT},
	{utils.ErrInvalidKeySpec, EXIT_CODE_INVALID_ARGUMENT},
	{supervisor.ErrNotFound, EXIT_CODE_NOT_FOUND},
	{supervisor.ErrProfileNotFound, EXIT_CODE_NOT_FOUND},
	{supervisor.ErrKeyNotFound, EXIT_CODE_NOT_FOUND},
	{supervisor.ErrPortConflict, EXIT_CODE_CONFLICT},
	{supervisor.ErrTunnelActive, EXIT_CODE_CONFLICT},
	{utils.ErrKeyInUse, EXIT_CODE_CONFLICT},
	{utils.ErrHostKeyMismatch, EXIT_CODE_CONFLICT},
	{supervisor.ErrLaunchFailed, EXIT_CODE_TUNNEL_FAILED},
	{supervisor.ErrVerificationFailed, EXIT_CODE_TUNNEL_FAILED},
	{supervisor.ErrStopFailed, EXIT_CODE_STOP_FAILED},
}

func ExitCodeFor(err error) int {
	if err == nil {
		return EXIT_CODE_OK
	}
	for _, entry := range exitCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return EXIT_CODE_ERROR
}

type App struct {
	Config     config.Config
	DbHandler  database.Store
	Supervisor *supervisor.Supervisor
	Keys       *utils.KeyManager
	Metrics    *metrics.Collector
	Events     *ws_channel.Hub
	Stopped    bool
	StopHooks  *list.List
	ExitCode   chan int // Blocking channel waiting for the exit code.
	stopMu     sync.Mutex
}

// CreateApp wires the sqlite store, the /proc inspector and the ssh launcher.
func CreateApp(cfg config.Config) *App {
	inspector := process.NewProcInspector()
	return CreateAppWith(cfg, database.NewDBHandler(cfg.DatabasePath), process.NewSSHLauncher(cfg, inspector), inspector)
}

func CreateAppWith(cfg config.Config, store database.Store, launcher process.Launcher, inspector process.Inspector) *App {
	keys := utils.NewKeyManager(cfg.KeysDir, nil)
	collector := metrics.NewCollector(store)
	sup := supervisor.New(supervisor.Options{
		Store:     store,
		Launcher:  launcher,
		Inspector: inspector,
		Keys:      keys,
		Config:    cfg,
		Observer:  collector,
	})
	keys.Guard = sup
	return &App{
		Config:     cfg,
		DbHandler:  store,
		Supervisor: sup,
		Keys:       keys,
		Metrics:    collector,
		Events:     ws_channel.NewHub(sup.List),
		StopHooks:  list.New(),
		ExitCode:   make(chan int, 1),
	}
}

// InitFiles creates the working directories and opens the database.
func (app *App) InitFiles() error {
	if err := app.Config.EnsureDirs(); err != nil {
		return err
	}
	if initializer, ok := app.DbHandler.(interface{ InitDB() error }); ok {
		return initializer.InitDB()
	}
	return nil
}

func (app *App) OnStop(hook func()) {
	app.StopHooks.PushBack(hook)
}

func (app *App) Stop(exitCode int) {
	app.stopMu.Lock()
	defer app.stopMu.Unlock()
	if app.Stopped {
		return
	}
	app.Stopped = true
	log.Debug("Stopping app")
	for i := app.StopHooks.Front(); i != nil; i = i.Next() {
		i.Value.(func())()
	}
	app.Events.Close()
	if err := app.DbHandler.Close(); err != nil {
		log.Warn(err)
	}
	app.ExitCode <- exitCode
}

// HandleSignals stops the app on SIGINT or SIGTERM. Tunnel processes run in their own
// sessions and are not affected.
func HandleSignals(app *App) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("Got signal %s. Exiting. Tunnels keep running.", sig)
		app.Stop(EXIT_CODE_INTERRUPTED)
	}()
}

// publishTunnels pushes the current tunnel list to websocket subscribers.
func (app *App) publishTunnels() {
	if app.Events.Subscribers() == 0 {
		return
	}
	tunnels, err := app.Supervisor.List()
	if err != nil {
		log.Warnf("Could not list tunnels: %s", err)
		return
	}
	app.Events.Publish(ws_channel.NewSnapshot(tunnels))
}

// RestartTunnels is run when the daemon boots: tunnels whose processes died with the host
// are restarted within their restart budget.
func (app *App) RestartTunnels(ctx context.Context) {
	tunnels, err := app.Evaluate(ctx)
	if err != nil {
		log.Warnf("Could not evaluate tunnels: %s", err)
		return
	}
	for _, tunnel := range tunnels {
		log.WithFields(log.Fields{"tunnel": tunnel.ID, "status": tunnel.Status}).Debug(tunnel.HealthDetail)
	}
}
