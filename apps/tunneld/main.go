package main

import (
	"context"
	"github.com/judwhite/go-svc"
	o "github.com/openportio/openport-tunnels"
	"github.com/openportio/openport-tunnels/config"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"net/http"
	"os"
	"sync"
	"time"
)

// program implements svc.Service
type program struct {
	configPath string
	verbose    bool

	app    *o.App
	server *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	prg := &program{}
	flag.StringVarP(&prg.configPath, "config", "c", os.Getenv("OPENPORT_TUNNELS_CONFIG"), "Configuration file (yaml or toml)")
	flag.BoolVarP(&prg.verbose, "verbose", "v", false, "Verbose logging")
	flag.Parse()

	// Call svc.Run to start your program/service.
	if err := svc.Run(prg); err != nil {
		log.Fatal(err)
	}
}

func (p *program) Init(env svc.Environment) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	o.InitLogging(p.verbose, cfg.LogFile)
	log.Debugf("is win service? %v", env.IsWindowsService())
	log.Debugf("Home dir: %s", cfg.HomeDir)

	p.app = o.CreateApp(cfg)
	return p.app.InitFiles()
}

func (p *program) Start() error {
	// The Start method must not block. Tunnels are restarted and supervised in the background.
	server, address, err := p.app.StartControlServer(p.app.Config.Control.Address)
	if err != nil {
		return err
	}
	p.server = server
	log.Infof("Control API listening on %s", address)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info("Restarting tunnels...")
		p.app.RestartTunnels(ctx)
		p.app.RunHeartbeat(ctx, p.app.Config.Supervisor.HeartbeatInterval.Duration)
	}()
	return nil
}

func (p *program) Stop() error {
	// Tunnel processes run in their own sessions and keep running; the next start adopts them.
	log.Info("Stopping...")
	if p.cancel != nil {
		p.cancel()
	}
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			log.Warnf("Control server shutdown: %s", err)
		}
	}
	p.wg.Wait()
	p.app.Stop(o.EXIT_CODE_OK)
	log.Info("Stopped.")
	return nil
}
