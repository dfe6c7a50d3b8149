package database

import (
	"errors"
	"time"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrTunnelNotFound     = errors.New("tunnel not found")
)

type TunnelType string

const (
	TunnelLocal   TunnelType = "local"
	TunnelRemote  TunnelType = "remote"
	TunnelDynamic TunnelType = "dynamic"
)

func (t TunnelType) Valid() bool {
	switch t {
	case TunnelLocal, TunnelRemote, TunnelDynamic:
		return true
	}
	return false
}

// Flag returns the ssh command line flag for the forwarding type.
func (t TunnelType) Flag() string {
	switch t {
	case TunnelLocal:
		return "-L"
	case TunnelRemote:
		return "-R"
	case TunnelDynamic:
		return "-D"
	}
	return ""
}

type TunnelStatus string

const (
	StatusStopped    TunnelStatus = "stopped"
	StatusStarting   TunnelStatus = "starting"
	StatusRunning    TunnelStatus = "running"
	StatusUnhealthy  TunnelStatus = "unhealthy"
	StatusRestarting TunnelStatus = "restarting"
	StatusFailed     TunnelStatus = "failed"
)

var AllStatuses = []TunnelStatus{StatusStopped, StatusStarting, StatusRunning, StatusUnhealthy, StatusRestarting, StatusFailed}

// HoldsProcess reports whether a tunnel in this status may own a live ssh process.
func (s TunnelStatus) HoldsProcess() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusUnhealthy, StatusRestarting:
		return true
	}
	return false
}

// Connection is a named SSH endpoint. Tunnels authenticate with KeyName, or with the configured
// default key when it is empty. PasswordHash is informational and never used to authenticate.
type Connection struct {
	Name         string    `gorm:"primary_key" json:"name"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	KeyName      string    `json:"key_name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"modified_at"`
}

func (c Connection) HasPassword() bool {
	return c.PasswordHash != ""
}

type TunnelSpec struct {
	ID             string     `gorm:"primary_key" json:"id"`
	ConnectionName string     `gorm:"index" json:"connection"`
	Type           TunnelType `json:"type"`
	ListenPort     int        `gorm:"index" json:"listen_port"`
	RemoteHost     string     `json:"remote_host,omitempty"`
	RemotePort     int        `json:"remote_port,omitempty"`
	AutoRestart    bool       `json:"auto_restart"`
	MaxRestarts    int        `json:"max_restarts"`
}

// TunnelState is the runtime half of a tunnel record. Pid 0 means no process.
type TunnelState struct {
	Pid           int          `json:"pid,omitempty"`
	Status        TunnelStatus `gorm:"index" json:"status"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	LastRestartAt *time.Time   `json:"last_restart_at,omitempty"`
	RestartCount  int          `json:"restart_count"`
	HealthDetail  string       `json:"health_detail,omitempty"`
}

// Tunnel is one record of the tunnel registry: what was asked for plus its runtime state.
type Tunnel struct {
	TunnelSpec
	TunnelState
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t Tunnel) Active() bool {
	return t.Status != StatusStopped && t.Status != ""
}

// ConnectionStore is the durable mapping of connection profiles keyed by name.
type ConnectionStore interface {
	PutConnection(connection *Connection) error
	GetConnection(name string) (Connection, error)
	DeleteConnection(name string) error
	ListConnections() ([]Connection, error)
}

// TunnelRegistry is the durable mapping of tunnel records keyed by id.
type TunnelRegistry interface {
	SaveTunnel(tunnel *Tunnel) error
	GetTunnel(id string) (Tunnel, error)
	DeleteTunnel(id string) error
	ListTunnels() ([]Tunnel, error)
}

// Store is everything the supervisor persists.
type Store interface {
	ConnectionStore
	TunnelRegistry
	Close() error
}
