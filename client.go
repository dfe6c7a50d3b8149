package openport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/supervisor"
	"github.com/openportio/openport-tunnels/utils"
	log "github.com/sirupsen/logrus"
	"io"
	"net/http"
	"net/url"
	"time"
)

var interProcessHttpClient = http.Client{
	Timeout: 2 * time.Second,
}

// remoteError carries an error reported by the daemon, keeping its sentinel for errors.Is.
type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string {
	return e.message
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}

// ControlClient serves Service by calling the control API of a running daemon.
type ControlClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewControlClient(address string) *ControlClient {
	return &ControlClient{
		BaseURL: "http://" + address,
		// Creating a tunnel waits for the probe budget.
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Alive reports whether a daemon answers on the control address.
func (c *ControlClient) Alive() bool {
	resp, err := interProcessHttpClient.Get(c.BaseURL + "/info")
	if err != nil {
		log.Debugf("No daemon at %s: %s", c.BaseURL, err)
		return false
	}
	defer resp.Body.Close()
	var info InfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false
	}
	return info.Name == CONTROL_SERVER_NAME
}

func (c *ControlClient) do(ctx context.Context, method string, path string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errorResponse ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResponse); err != nil {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		for _, entry := range errorCodes {
			if entry.code == errorResponse.Code {
				return &remoteError{sentinel: entry.err, message: errorResponse.Error}
			}
		}
		return fmt.Errorf("%s", errorResponse.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *ControlClient) PutConnection(req supervisor.ConnectionRequest) (database.Connection, error) {
	var connection database.Connection
	err := c.do(context.Background(), http.MethodPut, "/connections/"+url.PathEscape(req.Name), req, &connection)
	return connection, err
}

func (c *ControlClient) DeleteConnection(name string) error {
	return c.do(context.Background(), http.MethodDelete, "/connections/"+url.PathEscape(name), nil, nil)
}

func (c *ControlClient) ListConnections() ([]database.Connection, error) {
	var connections []database.Connection
	err := c.do(context.Background(), http.MethodGet, "/connections", nil, &connections)
	return connections, err
}

func (c *ControlClient) CreateTunnel(ctx context.Context, req supervisor.TunnelRequest) (database.Tunnel, error) {
	var tunnel database.Tunnel
	err := c.do(ctx, http.MethodPost, "/tunnels", req, &tunnel)
	return tunnel, err
}

func (c *ControlClient) StartTunnel(ctx context.Context, id string) (database.Tunnel, error) {
	var tunnel database.Tunnel
	err := c.do(ctx, http.MethodPost, "/tunnels/"+url.PathEscape(id)+"/start", nil, &tunnel)
	return tunnel, err
}

func (c *ControlClient) StopTunnel(ctx context.Context, id string) (database.Tunnel, error) {
	var tunnel database.Tunnel
	err := c.do(ctx, http.MethodPost, "/tunnels/"+url.PathEscape(id)+"/stop", nil, &tunnel)
	return tunnel, err
}

func (c *ControlClient) DeleteTunnel(id string) error {
	return c.do(context.Background(), http.MethodDelete, "/tunnels/"+url.PathEscape(id), nil, nil)
}

func (c *ControlClient) GetTunnel(id string) (database.Tunnel, error) {
	var tunnel database.Tunnel
	err := c.do(context.Background(), http.MethodGet, "/tunnels/"+url.PathEscape(id), nil, &tunnel)
	return tunnel, err
}

func (c *ControlClient) ListTunnels() ([]database.Tunnel, error) {
	var tunnels []database.Tunnel
	err := c.do(context.Background(), http.MethodGet, "/tunnels", nil, &tunnels)
	return tunnels, err
}

func (c *ControlClient) Evaluate(ctx context.Context) ([]database.Tunnel, error) {
	var tunnels []database.Tunnel
	err := c.do(ctx, http.MethodPost, "/tunnels/evaluate", nil, &tunnels)
	return tunnels, err
}

func (c *ControlClient) GenerateKey(name string, keyType string, bits int) error {
	return c.do(context.Background(), http.MethodPost, "/keys/"+url.PathEscape(name), KeyRequest{Type: keyType, Bits: bits}, nil)
}

func (c *ControlClient) PublicKey(name string) (string, error) {
	var response PublicKeyResponse
	err := c.do(context.Background(), http.MethodGet, "/keys/"+url.PathEscape(name)+"/public", nil, &response)
	return response.PublicKey, err
}

func (c *ControlClient) RemoveKey(name string) error {
	return c.do(context.Background(), http.MethodDelete, "/keys/"+url.PathEscape(name), nil, nil)
}

func (c *ControlClient) ListKeys() ([]utils.KeyInfo, error) {
	var keys []utils.KeyInfo
	err := c.do(context.Background(), http.MethodGet, "/keys", nil, &keys)
	return keys, err
}
