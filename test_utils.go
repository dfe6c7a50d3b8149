package openport

import (
	"fmt"
	"github.com/gorilla/mux"
	"github.com/openportio/openport-tunnels/config"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/supervisor/supervisortest"
	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"net/http"
	"runtime/debug"
	"testing"
	"time"
)

func FailIfError(t *testing.T, err error) {
	if err != nil {
		debug.PrintStack()
		t.Fatal(err)
	}
}

func hello(w http.ResponseWriter, req *http.Request) {
	fmt.Fprintf(w, "hello\n")
}

func startHTTPServer(port int) *http.Server {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/", hello)
	log.Infof("Starting HTTP server on port %d", port)
	httpServer := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: router}

	go httpServer.ListenAndServe()
	return httpServer
}

func TimeoutFunction(t *testing.T, f func() string, timeout time.Duration) string {
	appReady := make(chan string, 1)

	go func() {
		appReady <- f()
	}()

	select {
	case res := <-appReady:
		return res
	case <-time.After(timeout):
		debug.PrintStack()
		t.Fatal("Function did not return in time")
	}
	return ""
}

func GetFreePort(t *testing.T) int {
	port, err := freeport.GetFreePort()
	FailIfError(t, err)
	return port
}

type testApp struct {
	*App
	inspector *supervisortest.FakeInspector
	launcher  *supervisortest.FakeLauncher
}

// newTestApp builds an App on an in-memory store with fake processes, and real keys in a
// temporary directory.
func newTestApp(t *testing.T) *testApp {
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.Resolve()
	cfg.Supervisor.ProbeInterval = config.Duration{Duration: time.Millisecond}
	cfg.Supervisor.StopGrace = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Supervisor.KillGrace = config.Duration{Duration: 20 * time.Millisecond}

	inspector := supervisortest.NewFakeInspector()
	launcher := supervisortest.NewFakeLauncher(inspector)
	app := CreateAppWith(cfg, database.NewMemoryDBHandler(), launcher, inspector)
	FailIfError(t, app.InitFiles())
	return &testApp{App: app, inspector: inspector, launcher: launcher}
}
