// Package supervisor owns the tunnel lifecycle: it launches ssh processes, proves they
// forward what they promise, and restarts them within a bounded budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/openportio/openport-tunnels/config"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/process"
	"github.com/openportio/openport-tunnels/utils"
	"github.com/phayes/freeport"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"
)

const STOP_POLL_INTERVAL = 50 * time.Millisecond

// Remote forwards are bound on the server, so only liveness can be observed. The process has
// to stay up for this many probes before the forward is trusted.
const REMOTE_SETTLE_PROBES = 2

var errNotSettled = errors.New("waiting for the process to settle")

// KeyResolver supplies a usable identity file for a key name.
type KeyResolver interface {
	ResolvePrivateKey(name string) (string, error)
}

// Observer is told about restarts, launch failures and probe timings.
type Observer interface {
	TunnelRestarted(id string)
	LaunchFailed(reason string)
	Probed(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TunnelRestarted(string) {}
func (nopObserver) LaunchFailed(string)    {}
func (nopObserver) Probed(time.Duration)   {}

type Options struct {
	Store     database.Store
	Launcher  process.Launcher
	Inspector process.Inspector
	Keys      KeyResolver
	Config    config.Config
	Clock     clock.Clock
	Observer  Observer
}

// TunnelRequest describes a tunnel to create. Nil AutoRestart and MaxRestarts take the
// defaults; a ListenPort of 0 picks a free port for local and dynamic tunnels.
type TunnelRequest struct {
	ConnectionName string              `json:"connection"`
	Type           database.TunnelType `json:"type"`
	ListenPort     int                 `json:"listen_port"`
	RemoteHost     string              `json:"remote_host,omitempty"`
	RemotePort     int                 `json:"remote_port,omitempty"`
	AutoRestart    *bool               `json:"auto_restart,omitempty"`
	MaxRestarts    *int                `json:"max_restarts,omitempty"`
}

type Supervisor struct {
	store     database.Store
	launcher  process.Launcher
	inspector process.Inspector
	prober    *Prober
	keys      KeyResolver
	cfg       config.SupervisorConfig
	keyName   string
	logDir    string
	clock     clock.Clock
	observer  Observer

	locks *kmutex.Kmutex

	portsMu       sync.Mutex
	reservedPorts map[int]string

	newID    func() string
	freePort func() (int, error)
}

func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	prober := NewProber(opts.Inspector, opts.Config.SSH.Binary, opts.Config.SSH.AutosshBinary)
	prober.Observe = opts.Observer.Probed
	return &Supervisor{
		store:         opts.Store,
		launcher:      opts.Launcher,
		inspector:     opts.Inspector,
		prober:        prober,
		keys:          opts.Keys,
		cfg:           opts.Config.Supervisor,
		keyName:       opts.Config.Keys.DefaultName,
		logDir:        opts.Config.TunnelLogDir,
		clock:         opts.Clock,
		observer:      opts.Observer,
		locks:         kmutex.New(),
		reservedPorts: map[int]string{},
		newID:         func() string { return xid.New().String() },
		freePort:      freeport.GetFreePort,
	}
}

func (s *Supervisor) Prober() *Prober {
	return s.prober
}

// KeyNameFor returns the key a connection authenticates with. Profiles without a key
// reference use the default key.
func (s *Supervisor) KeyNameFor(connection database.Connection) string {
	if connection.KeyName != "" {
		return connection.KeyName
	}
	return s.keyName
}

func validateRequest(req TunnelRequest) error {
	if req.ConnectionName == "" {
		return fmt.Errorf("%w: connection is required", ErrValidation)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q, use local, remote or dynamic", ErrValidation, req.Type)
	}
	if req.ListenPort < 0 || req.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrValidation, req.ListenPort)
	}
	switch req.Type {
	case database.TunnelLocal, database.TunnelRemote:
		if req.RemoteHost == "" {
			return fmt.Errorf("%w: %s tunnels need a remote host", ErrValidation, req.Type)
		}
		if req.RemotePort < 1 || req.RemotePort > 65535 {
			return fmt.Errorf("%w: remote port %d out of range", ErrValidation, req.RemotePort)
		}
		if req.Type == database.TunnelRemote && req.ListenPort == 0 {
			return fmt.Errorf("%w: remote tunnels need an explicit listen port", ErrValidation)
		}
	case database.TunnelDynamic:
		if req.RemoteHost != "" || req.RemotePort != 0 {
			return fmt.Errorf("%w: dynamic tunnels take no remote host or port", ErrValidation)
		}
	}
	if req.MaxRestarts != nil && *req.MaxRestarts < 0 {
		return fmt.Errorf("%w: max restarts must not be negative", ErrValidation)
	}
	return nil
}

// probePort is the port the prober checks; remote forwards listen on the server.
func probePort(spec database.TunnelSpec) int {
	if spec.Type == database.TunnelRemote {
		return 0
	}
	return spec.ListenPort
}

func (s *Supervisor) credentials(connectionName string) (database.Connection, string, error) {
	connection, err := s.store.GetConnection(connectionName)
	if err != nil {
		return connection, "", err
	}
	keyPath, err := s.keys.ResolvePrivateKey(s.KeyNameFor(connection))
	if err != nil {
		return connection, "", err
	}
	return connection, keyPath, nil
}

// reservePort claims port for id until the returned release is called. The port must not be
// held by another tunnel that is not stopped, nor be mid-creation elsewhere.
func (s *Supervisor) reservePort(port int, id string) (func(), error) {
	s.portsMu.Lock()
	defer s.portsMu.Unlock()
	if holder, ok := s.reservedPorts[port]; ok && holder != id {
		return nil, fmt.Errorf("%w: port %d is being claimed by tunnel %s", ErrPortConflict, port, holder)
	}
	tunnels, err := s.store.ListTunnels()
	if err != nil {
		return nil, err
	}
	for _, tunnel := range tunnels {
		if tunnel.ID != id && tunnel.Active() && tunnel.ListenPort == port {
			return nil, fmt.Errorf("%w: port %d is used by tunnel %s", ErrPortConflict, port, tunnel.ID)
		}
	}
	s.reservedPorts[port] = id
	return func() {
		s.portsMu.Lock()
		defer s.portsMu.Unlock()
		if s.reservedPorts[port] == id {
			delete(s.reservedPorts, port)
		}
	}, nil
}

// CreateAndStart validates req, launches the tunnel and waits for it to become healthy. On
// failure nothing is left behind: the process is killed and the record removed.
func (s *Supervisor) CreateAndStart(ctx context.Context, req TunnelRequest) (database.Tunnel, error) {
	// Probe and kill waits are bounded by the configured budgets; a caller going away must
	// not leave a half-started tunnel behind.
	ctx = context.WithoutCancel(ctx)
	if err := validateRequest(req); err != nil {
		return database.Tunnel{}, err
	}
	spec := database.TunnelSpec{
		ID:             s.newID(),
		ConnectionName: req.ConnectionName,
		Type:           req.Type,
		ListenPort:     req.ListenPort,
		RemoteHost:     req.RemoteHost,
		RemotePort:     req.RemotePort,
		AutoRestart:    true,
		MaxRestarts:    s.cfg.DefaultMaxRestarts,
	}
	if req.AutoRestart != nil {
		spec.AutoRestart = *req.AutoRestart
	}
	if req.MaxRestarts != nil {
		spec.MaxRestarts = *req.MaxRestarts
	}
	logger := log.WithFields(log.Fields{"tunnel": spec.ID, "connection": spec.ConnectionName})

	connection, keyPath, err := s.credentials(spec.ConnectionName)
	if err != nil {
		return database.Tunnel{}, err
	}

	if spec.ListenPort == 0 {
		port, err := s.freePort()
		if err != nil {
			return database.Tunnel{}, fmt.Errorf("picking a free port: %w", err)
		}
		logger.Debugf("Assigned free port %d", port)
		spec.ListenPort = port
	}
	logger = logger.WithField("port", spec.ListenPort)

	release, err := s.reservePort(spec.ListenPort, spec.ID)
	if err != nil {
		logger.Warn(err)
		return database.Tunnel{}, err
	}
	defer release()

	s.locks.Lock(spec.ID)
	defer s.locks.Unlock(spec.ID)

	tunnel := database.Tunnel{
		TunnelSpec:  spec,
		TunnelState: database.TunnelState{Status: database.StatusStarting},
	}
	if err := s.store.SaveTunnel(&tunnel); err != nil {
		return tunnel, err
	}
	logger.Infof("Starting %s tunnel", spec.Type)

	if err := s.launchAndVerify(ctx, &tunnel, connection, keyPath); err != nil {
		if deleteErr := s.store.DeleteTunnel(spec.ID); deleteErr != nil {
			logger.Errorf("Could not remove failed tunnel: %s", deleteErr)
		}
		tunnel.Status = database.StatusStopped
		tunnel.Pid = 0
		tunnel.HealthDetail = err.Error()
		logger.Warnf("Tunnel failed to start: %s", err)
		return tunnel, err
	}
	s.markRunning(&tunnel)
	if err := s.store.SaveTunnel(&tunnel); err != nil {
		s.forceKill(ctx, tunnel.Pid)
		if deleteErr := s.store.DeleteTunnel(spec.ID); deleteErr != nil {
			logger.Errorf("Could not remove unsaved tunnel: %s", deleteErr)
		}
		return tunnel, err
	}
	logger.WithField("pid", tunnel.Pid).Infof("Tunnel running: %s", tunnel.HealthDetail)
	return tunnel, nil
}

func (s *Supervisor) markRunning(tunnel *database.Tunnel) {
	now := s.clock.Now().UTC()
	tunnel.Status = database.StatusRunning
	tunnel.StartedAt = &now
}

// launchAndVerify launches the process and probes it within the probe budget. When it never
// becomes healthy the process is force-killed.
func (s *Supervisor) launchAndVerify(ctx context.Context, tunnel *database.Tunnel, connection database.Connection, keyPath string) error {
	pid, err := s.launcher.Launch(tunnel.TunnelSpec, connection, keyPath)
	if err != nil {
		reason := "launch"
		if errors.Is(err, ErrPortConflict) {
			reason = "port_conflict"
		}
		s.observer.LaunchFailed(reason)
		return err
	}
	tunnel.Pid = pid

	required := 1
	if tunnel.Type == database.TunnelRemote {
		required = REMOTE_SETTLE_PROBES
	}
	healthy := 0
	var last ProbeResult
	policy := utils.RetryPolicy{Attempts: s.cfg.ProbeAttempts, Delay: s.cfg.ProbeInterval.Duration}
	err = utils.Retry(ctx, s.clock, policy, func() error {
		last = s.prober.Probe(pid, probePort(tunnel.TunnelSpec))
		if !last.Healthy() {
			healthy = 0
			return errors.New(last.Detail)
		}
		healthy++
		if healthy < required {
			return errNotSettled
		}
		return nil
	}, func(error) bool {
		return last.Verdict == ProcessDead
	})
	if err == nil {
		tunnel.HealthDetail = last.Detail
		return nil
	}

	s.forceKill(ctx, pid)
	tunnel.Pid = 0
	s.observer.LaunchFailed("verification")
	detail := last.Detail
	if tail := process.LogTail(process.LogPath(s.logDir, tunnel.ID), 0); tail != "" && last.Verdict == ProcessDead {
		detail = fmt.Sprintf("%s: %s", detail, lastLine(tail))
	}
	return fmt.Errorf("%w: %s", ErrVerificationFailed, detail)
}

func lastLine(text string) string {
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] == '\n' {
			return text[i+1:]
		}
	}
	return text
}

// waitForExit polls until pid is gone or grace has passed.
func (s *Supervisor) waitForExit(ctx context.Context, pid int, grace time.Duration) bool {
	interval := STOP_POLL_INTERVAL
	if grace < interval {
		interval = grace
	}
	err := utils.Retry(ctx, s.clock, utils.PolicyFor(grace, interval), func() error {
		if s.inspector.IsAlive(pid) {
			return fmt.Errorf("process %d still running", pid)
		}
		return nil
	}, nil)
	return err == nil
}

// terminate sends SIGTERM, escalates to SIGKILL after the stop grace, and fails when the
// process is still there after the kill grace.
func (s *Supervisor) terminate(ctx context.Context, pid int) error {
	logger := log.WithField("pid", pid)
	if err := s.inspector.Signal(pid, syscall.SIGTERM); err != nil {
		logger.Warnf("SIGTERM failed: %s", err)
	}
	if s.waitForExit(ctx, pid, s.cfg.StopGrace.Duration) {
		return nil
	}
	logger.Warnf("Process ignored SIGTERM for %s, sending SIGKILL", s.cfg.StopGrace.Duration)
	if err := s.inspector.Signal(pid, syscall.SIGKILL); err != nil {
		logger.Warnf("SIGKILL failed: %s", err)
	}
	if s.waitForExit(ctx, pid, s.cfg.KillGrace.Duration) {
		return nil
	}
	return fmt.Errorf("%w: pid %d survived SIGKILL", ErrStopFailed, pid)
}

// forceKill kills a tunnel process that is no longer wanted. Pids that now belong to another
// program are left alone.
func (s *Supervisor) forceKill(ctx context.Context, pid int) {
	if pid <= 0 || !s.prober.Owns(pid) {
		return
	}
	logger := log.WithField("pid", pid)
	if err := s.inspector.Signal(pid, syscall.SIGKILL); err != nil {
		logger.Warnf("SIGKILL failed: %s", err)
	}
	if !s.waitForExit(ctx, pid, s.cfg.KillGrace.Duration) {
		logger.Errorf("Process survived SIGKILL")
	}
}

// Stop terminates the tunnel process and marks the tunnel stopped. Stopping a stopped tunnel
// does nothing. The stop and kill graces run in full even when ctx is cancelled.
func (s *Supervisor) Stop(ctx context.Context, id string) (database.Tunnel, error) {
	ctx = context.WithoutCancel(ctx)
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	tunnel, err := s.store.GetTunnel(id)
	if err != nil {
		return tunnel, err
	}
	if tunnel.Status == database.StatusStopped {
		return tunnel, nil
	}
	logger := log.WithFields(log.Fields{"tunnel": id, "pid": tunnel.Pid})
	if tunnel.Pid > 0 && s.prober.Owns(tunnel.Pid) {
		if err := s.terminate(ctx, tunnel.Pid); err != nil {
			logger.Error(err)
			return tunnel, err
		}
	}
	tunnel.Status = database.StatusStopped
	tunnel.Pid = 0
	tunnel.HealthDetail = "stopped"
	if err := s.store.SaveTunnel(&tunnel); err != nil {
		return tunnel, err
	}
	logger.Info("Tunnel stopped")
	return tunnel, nil
}

// Start relaunches a stopped or failed tunnel with a fresh restart budget. A tunnel that is
// already active is returned as is.
func (s *Supervisor) Start(ctx context.Context, id string) (database.Tunnel, error) {
	ctx = context.WithoutCancel(ctx)
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	tunnel, err := s.store.GetTunnel(id)
	if err != nil {
		return tunnel, err
	}
	if tunnel.Status != database.StatusStopped && tunnel.Status != database.StatusFailed {
		return tunnel, nil
	}
	logger := log.WithFields(log.Fields{"tunnel": id, "port": tunnel.ListenPort})

	connection, keyPath, err := s.credentials(tunnel.ConnectionName)
	if err != nil {
		return tunnel, err
	}
	release, err := s.reservePort(tunnel.ListenPort, id)
	if err != nil {
		return tunnel, err
	}
	defer release()

	s.forceKill(ctx, tunnel.Pid)
	tunnel.Pid = 0
	tunnel.RestartCount = 0
	tunnel.LastRestartAt = nil
	tunnel.Status = database.StatusStarting
	if err := s.store.SaveTunnel(&tunnel); err != nil {
		return tunnel, err
	}
	logger.Info("Starting tunnel")

	if err := s.launchAndVerify(ctx, &tunnel, connection, keyPath); err != nil {
		tunnel.Status = database.StatusStopped
		tunnel.Pid = 0
		tunnel.HealthDetail = err.Error()
		if saveErr := s.store.SaveTunnel(&tunnel); saveErr != nil {
			logger.Errorf("Could not save stopped tunnel: %s", saveErr)
		}
		logger.Warnf("Tunnel failed to start: %s", err)
		return tunnel, err
	}
	s.markRunning(&tunnel)
	if err := s.store.SaveTunnel(&tunnel); err != nil {
		return tunnel, err
	}
	logger.WithField("pid", tunnel.Pid).Info("Tunnel running")
	return tunnel, nil
}

// EvaluateAll probes every tunnel that is neither stopped nor failed and applies the restart
// policy to the unhealthy ones. It returns all tunnels after evaluation.
func (s *Supervisor) EvaluateAll(ctx context.Context) ([]database.Tunnel, error) {
	tunnels, err := s.store.ListTunnels()
	if err != nil {
		return nil, err
	}
	results := make([]database.Tunnel, len(tunnels))
	found := make([]bool, len(tunnels))

	var g errgroup.Group
	concurrency := s.cfg.EvaluateConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g.SetLimit(concurrency)
	for i, tunnel := range tunnels {
		if tunnel.Status == database.StatusStopped || tunnel.Status == database.StatusFailed {
			results[i], found[i] = tunnel, true
			continue
		}
		i, id := i, tunnel.ID
		g.Go(func() error {
			updated, err := s.evaluate(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			results[i], found[i] = updated, true
			return err
		})
	}
	err = g.Wait()

	evaluated := make([]database.Tunnel, 0, len(results))
	for i, tunnel := range results {
		if found[i] {
			evaluated = append(evaluated, tunnel)
		}
	}
	return evaluated, err
}

func (s *Supervisor) evaluate(ctx context.Context, id string) (database.Tunnel, error) {
	ctx = context.WithoutCancel(ctx)
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	tunnel, err := s.store.GetTunnel(id)
	if err != nil {
		return tunnel, err
	}
	if tunnel.Status == database.StatusStopped || tunnel.Status == database.StatusFailed {
		return tunnel, nil
	}
	logger := log.WithFields(log.Fields{"tunnel": id, "pid": tunnel.Pid, "port": tunnel.ListenPort})

	result := s.prober.Probe(tunnel.Pid, probePort(tunnel.TunnelSpec))
	if result.Healthy() {
		if tunnel.Status != database.StatusRunning {
			logger.Info("Tunnel healthy again")
		}
		tunnel.Status = database.StatusRunning
		tunnel.HealthDetail = result.Detail
		return tunnel, s.store.SaveTunnel(&tunnel)
	}

	logger.Warnf("Tunnel unhealthy: %s", result.Detail)
	tunnel.HealthDetail = result.Detail
	if !tunnel.AutoRestart {
		tunnel.Status = database.StatusUnhealthy
		return tunnel, s.store.SaveTunnel(&tunnel)
	}
	if tunnel.RestartCount >= tunnel.MaxRestarts {
		s.fail(ctx, &tunnel, result.Detail)
		return tunnel, s.store.SaveTunnel(&tunnel)
	}
	return s.restart(ctx, tunnel)
}

// restart relaunches an unhealthy tunnel under the same id and counts the attempt.
func (s *Supervisor) restart(ctx context.Context, tunnel database.Tunnel) (database.Tunnel, error) {
	logger := log.WithFields(log.Fields{"tunnel": tunnel.ID, "port": tunnel.ListenPort})
	tunnel.Status = database.StatusRestarting
	if err := s.store.SaveTunnel(&tunnel); err != nil {
		return tunnel, err
	}
	s.forceKill(ctx, tunnel.Pid)
	tunnel.Pid = 0

	now := s.clock.Now().UTC()
	tunnel.RestartCount++
	tunnel.LastRestartAt = &now
	s.observer.TunnelRestarted(tunnel.ID)
	logger.Infof("Restarting tunnel (%d/%d)", tunnel.RestartCount, tunnel.MaxRestarts)

	connection, keyPath, err := s.credentials(tunnel.ConnectionName)
	if err == nil {
		err = s.launchAndVerify(ctx, &tunnel, connection, keyPath)
	}
	if err == nil {
		s.markRunning(&tunnel)
		logger.WithField("pid", tunnel.Pid).Info("Tunnel restarted")
		return tunnel, s.store.SaveTunnel(&tunnel)
	}

	detail := fmt.Sprintf("restart %d/%d failed: %s", tunnel.RestartCount, tunnel.MaxRestarts, err)
	if tunnel.RestartCount >= tunnel.MaxRestarts {
		s.fail(ctx, &tunnel, detail)
	} else {
		tunnel.Status = database.StatusUnhealthy
		tunnel.HealthDetail = detail
		logger.Warn(detail)
	}
	return tunnel, s.store.SaveTunnel(&tunnel)
}

// fail marks the tunnel Failed; it stays there until an explicit Start.
func (s *Supervisor) fail(ctx context.Context, tunnel *database.Tunnel, detail string) {
	s.forceKill(ctx, tunnel.Pid)
	tunnel.Pid = 0
	tunnel.Status = database.StatusFailed
	tunnel.HealthDetail = fmt.Sprintf("gave up after %d restarts: %s", tunnel.RestartCount, detail)
	log.WithField("tunnel", tunnel.ID).Error(tunnel.HealthDetail)
}

func (s *Supervisor) List() ([]database.Tunnel, error) {
	return s.store.ListTunnels()
}

func (s *Supervisor) Get(id string) (database.Tunnel, error) {
	return s.store.GetTunnel(id)
}

// Delete removes a stopped tunnel and its log.
func (s *Supervisor) Delete(id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	tunnel, err := s.store.GetTunnel(id)
	if err != nil {
		return err
	}
	if tunnel.Status != database.StatusStopped {
		return fmt.Errorf("%w: %s is %s", ErrTunnelActive, id, tunnel.Status)
	}
	if err := s.store.DeleteTunnel(id); err != nil {
		return err
	}
	if s.logDir != "" {
		if err := os.Remove(process.LogPath(s.logDir, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("Could not remove log of tunnel %s: %s", id, err)
		}
	}
	log.WithField("tunnel", id).Info("Tunnel deleted")
	return nil
}

// KeyInUse reports whether an active tunnel authenticates with the named key.
func (s *Supervisor) KeyInUse(name string) (bool, error) {
	tunnels, err := s.store.ListTunnels()
	if err != nil {
		return false, err
	}
	keys := map[string]string{}
	for _, tunnel := range tunnels {
		if !tunnel.Status.HoldsProcess() {
			continue
		}
		key, ok := keys[tunnel.ConnectionName]
		if !ok {
			connection, err := s.store.GetConnection(tunnel.ConnectionName)
			if errors.Is(err, ErrProfileNotFound) {
				continue
			}
			if err != nil {
				return false, err
			}
			key = s.KeyNameFor(connection)
			keys[tunnel.ConnectionName] = key
		}
		if key == name {
			return true, nil
		}
	}
	return false, nil
}
