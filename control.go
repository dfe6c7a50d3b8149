package openport

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gorilla/mux"
	"github.com/openportio/openport-tunnels/supervisor"
	"github.com/openportio/openport-tunnels/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"net"
	"net/http"
	"os"
	"time"
)

const CONTROL_SERVER_NAME = "openport-tunnels"

type InfoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type KeyRequest struct {
	Type string `json:"type,omitempty"`
	Bits int    `json:"bits,omitempty"`
}

type PublicKeyResponse struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// errorCodes maps the error taxonomy onto HTTP. The first match wins, so the more specific
// sentinels come first.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{supervisor.ErrValidation, "validation", http.StatusBadRequest},
	{utils.ErrInvalidKeyName, "invalid_key_name", http.StatusBadRequest},
	{utils.ErrInvalidKeySpec, "invalid_key_spec", http.StatusBadRequest},
	{supervisor.ErrNotFound, "not_found", http.StatusNotFound},
	{supervisor.ErrProfileNotFound, "profile_not_found", http.StatusNotFound},
	{supervisor.ErrKeyNotFound, "key_not_found", http.StatusNotFound},
	{supervisor.ErrPortConflict, "port_conflict", http.StatusConflict},
	{supervisor.ErrTunnelActive, "tunnel_active", http.StatusConflict},
	{utils.ErrKeyInUse, "key_in_use", http.StatusConflict},
	{supervisor.ErrLaunchFailed, "launch_failed", http.StatusBadGateway},
	{supervisor.ErrVerificationFailed, "verification_failed", http.StatusBadGateway},
	{supervisor.ErrStopFailed, "stop_failed", http.StatusInternalServerError},
}

func errorStatus(err error) (int, string) {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.status, entry.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Could not write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("Control request failed: %s", err)
	} else {
		log.Debugf("Control request failed: %s", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %s", supervisor.ErrValidation, err)
	}
	return nil
}

func (app *App) InfoRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{Name: CONTROL_SERVER_NAME, Version: VERSION, Pid: os.Getpid()})
}

func (app *App) listConnections(w http.ResponseWriter, _ *http.Request) {
	connections, err := app.ListConnections()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connections)
}

func (app *App) getConnection(w http.ResponseWriter, r *http.Request) {
	connection, err := app.Supervisor.GetConnection(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connection)
}

func (app *App) putConnection(w http.ResponseWriter, r *http.Request) {
	var req supervisor.ConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Name = mux.Vars(r)["name"]
	connection, err := app.PutConnection(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connection)
}

func (app *App) deleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := app.DeleteConnection(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (app *App) listTunnels(w http.ResponseWriter, _ *http.Request) {
	tunnels, err := app.ListTunnels()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnels)
}

func (app *App) createTunnel(w http.ResponseWriter, r *http.Request) {
	var req supervisor.TunnelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tunnel, err := app.CreateTunnel(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tunnel)
}

func (app *App) getTunnel(w http.ResponseWriter, r *http.Request) {
	tunnel, err := app.GetTunnel(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnel)
}

func (app *App) deleteTunnel(w http.ResponseWriter, r *http.Request) {
	if err := app.DeleteTunnel(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (app *App) stopTunnel(w http.ResponseWriter, r *http.Request) {
	tunnel, err := app.StopTunnel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnel)
}

func (app *App) startTunnel(w http.ResponseWriter, r *http.Request) {
	tunnel, err := app.StartTunnel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnel)
}

func (app *App) evaluateTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels, err := app.Evaluate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnels)
}

func (app *App) listKeys(w http.ResponseWriter, _ *http.Request) {
	keys, err := app.ListKeys()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (app *App) generateKey(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	name := mux.Vars(r)["name"]
	if err := app.GenerateKey(name, req.Type, req.Bits); err != nil {
		writeError(w, err)
		return
	}
	publicKey, err := app.PublicKey(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PublicKeyResponse{Name: name, PublicKey: publicKey})
}

func (app *App) publicKey(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	publicKey, err := app.PublicKey(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PublicKeyResponse{Name: name, PublicKey: publicKey})
}

func (app *App) removeKey(w http.ResponseWriter, r *http.Request) {
	if err := app.RemoveKey(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ControlRouter serves the JSON control API and the Prometheus metrics.
func (app *App) ControlRouter() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(app.Metrics, collectors.NewGoCollector())

	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/info", app.InfoRequest).Methods(http.MethodGet)
	router.Handle("/ws", app.Events).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.HandleFunc("/connections", app.listConnections).Methods(http.MethodGet)
	router.HandleFunc("/connections/{name}", app.getConnection).Methods(http.MethodGet)
	router.HandleFunc("/connections/{name}", app.putConnection).Methods(http.MethodPut)
	router.HandleFunc("/connections/{name}", app.deleteConnection).Methods(http.MethodDelete)

	router.HandleFunc("/tunnels", app.listTunnels).Methods(http.MethodGet)
	router.HandleFunc("/tunnels", app.createTunnel).Methods(http.MethodPost)
	router.HandleFunc("/tunnels/evaluate", app.evaluateTunnels).Methods(http.MethodPost)
	router.HandleFunc("/tunnels/{id}", app.getTunnel).Methods(http.MethodGet)
	router.HandleFunc("/tunnels/{id}", app.deleteTunnel).Methods(http.MethodDelete)
	router.HandleFunc("/tunnels/{id}/stop", app.stopTunnel).Methods(http.MethodPost)
	router.HandleFunc("/tunnels/{id}/start", app.startTunnel).Methods(http.MethodPost)

	router.HandleFunc("/keys", app.listKeys).Methods(http.MethodGet)
	router.HandleFunc("/keys/{name}", app.generateKey).Methods(http.MethodPost)
	router.HandleFunc("/keys/{name}", app.removeKey).Methods(http.MethodDelete)
	router.HandleFunc("/keys/{name}/public", app.publicKey).Methods(http.MethodGet)
	return router
}

// StartControlServer listens on address and serves the control API in the background. The
// returned address has the actual port when address asked for port 0.
func (app *App) StartControlServer(address string) (*http.Server, string, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, "", fmt.Errorf("could not start control server on %s: %w", address, err)
	}
	server := &http.Server{
		Handler:           app.ControlRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Control server stopped: %s", err)
		}
	}()
	log.Debugf("Listening for control on %s", listener.Addr())
	return server, listener.Addr().String(), nil
}
