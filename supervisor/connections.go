package supervisor

import (
	"fmt"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ConnectionRequest is a profile as entered by an operator. A password is only kept as a
// bcrypt hash for reference; tunnels always authenticate with a key.
type ConnectionRequest struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	KeyName  string `json:"key_name,omitempty"`
	Password string `json:"password,omitempty"`
}

func validateConnection(req ConnectionRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: connection name is required", ErrValidation)
	}
	if req.Host == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}
	if req.Port < 1 || req.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrValidation, req.Port)
	}
	if req.Username == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if req.KeyName != "" && req.Password != "" {
		return fmt.Errorf("%w: give either a key or a password, not both", ErrValidation)
	}
	if req.KeyName != "" {
		if err := utils.ValidateKeyName(req.KeyName); err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err)
		}
	}
	return nil
}

// PutConnection creates or replaces a connection profile.
func (s *Supervisor) PutConnection(req ConnectionRequest) (database.Connection, error) {
	if err := validateConnection(req); err != nil {
		return database.Connection{}, err
	}
	connection := database.Connection{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		KeyName:  req.KeyName,
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return connection, err
		}
		connection.PasswordHash = string(hash)
	}
	if err := s.store.PutConnection(&connection); err != nil {
		return connection, err
	}
	log.WithField("connection", connection.Name).Infof("Saved connection %s@%s:%d", connection.Username, connection.Host, connection.Port)
	return connection, nil
}

func (s *Supervisor) GetConnection(name string) (database.Connection, error) {
	return s.store.GetConnection(name)
}

// DeleteConnection removes a profile. Tunnels referring to it are kept and fail to start
// until a profile with that name exists again.
func (s *Supervisor) DeleteConnection(name string) error {
	if err := s.store.DeleteConnection(name); err != nil {
		return err
	}
	log.WithField("connection", name).Info("Deleted connection")
	return nil
}

func (s *Supervisor) ListConnections() ([]database.Connection, error) {
	return s.store.ListConnections()
}
