package database

import (
	"fmt"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

// DBHandler keeps connection profiles and tunnel records in a sqlite database. Every write
// runs in its own transaction, so a crash mid-write leaves the previous record intact.
type DBHandler struct {
	DbPath string
	db     *gorm.DB
	mu     sync.Mutex
}

func NewDBHandler(dbPath string) *DBHandler {
	return &DBHandler{DbPath: dbPath}
}

func (dbHandler *DBHandler) SetPath(dbPath string) {
	dbHandler.DbPath = dbPath
}

func (dbHandler *DBHandler) Path() string {
	return dbHandler.DbPath
}

func (dbHandler *DBHandler) InitDB() error {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	return dbHandler.initLocked()
}

func (dbHandler *DBHandler) initLocked() error {
	if dbHandler.db != nil {
		return nil
	}
	log.Debugf("db path: %s", dbHandler.DbPath)
	// WAL and a busy timeout let the CLI and the daemon share the file.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1", dbHandler.DbPath)
	db, err := gorm.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect database %s: %w", dbHandler.DbPath, err)
	}
	db.DB().SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Connection{}, &Tunnel{}).Error; err != nil {
		db.Close()
		return fmt.Errorf("migrating database %s: %w", dbHandler.DbPath, err)
	}
	dbHandler.db = db
	log.Debugf("db ready")
	return nil
}

func (dbHandler *DBHandler) Close() error {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	if dbHandler.db == nil {
		return nil
	}
	err := dbHandler.db.Close()
	dbHandler.db = nil
	return err
}

func (dbHandler *DBHandler) conn() (*gorm.DB, error) {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	if err := dbHandler.initLocked(); err != nil {
		return nil, err
	}
	return dbHandler.db, nil
}

// PutConnection inserts or overwrites the profile with the same name. The creation time of an
// overwritten profile is kept; the modification time is refreshed.
func (dbHandler *DBHandler) PutConnection(connection *Connection) error {
	db, err := dbHandler.conn()
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var existing Connection
		err := tx.Where("name = ?", connection.Name).First(&existing).Error
		now := time.Now().UTC()
		switch {
		case err == nil:
			connection.CreatedAt = existing.CreatedAt
		case gorm.IsRecordNotFoundError(err):
			connection.CreatedAt = now
		default:
			return err
		}
		connection.UpdatedAt = now
		return tx.Save(connection).Error
	})
}

func (dbHandler *DBHandler) GetConnection(name string) (Connection, error) {
	var connection Connection
	db, err := dbHandler.conn()
	if err != nil {
		return connection, err
	}
	err = db.Where("name = ?", name).First(&connection).Error
	if gorm.IsRecordNotFoundError(err) {
		return connection, fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
	}
	return connection, err
}

func (dbHandler *DBHandler) DeleteConnection(name string) error {
	db, err := dbHandler.conn()
	if err != nil {
		return err
	}
	result := db.Where("name = ?", name).Delete(&Connection{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
	}
	return nil
}

func (dbHandler *DBHandler) ListConnections() ([]Connection, error) {
	db, err := dbHandler.conn()
	if err != nil {
		return nil, err
	}
	connections := []Connection{}
	err = db.Order("name asc").Find(&connections).Error
	return connections, err
}

// SaveTunnel upserts the whole record in one transaction.
func (dbHandler *DBHandler) SaveTunnel(tunnel *Tunnel) error {
	db, err := dbHandler.conn()
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var existing Tunnel
		err := tx.Where("id = ?", tunnel.ID).First(&existing).Error
		switch {
		case err == nil:
			tunnel.CreatedAt = existing.CreatedAt
		case gorm.IsRecordNotFoundError(err):
			if tunnel.CreatedAt.IsZero() {
				tunnel.CreatedAt = time.Now().UTC()
			}
		default:
			return err
		}
		tunnel.UpdatedAt = time.Now().UTC()
		return tx.Save(tunnel).Error
	})
}

func (dbHandler *DBHandler) GetTunnel(id string) (Tunnel, error) {
	var tunnel Tunnel
	db, err := dbHandler.conn()
	if err != nil {
		return tunnel, err
	}
	err = db.Where("id = ?", id).First(&tunnel).Error
	if gorm.IsRecordNotFoundError(err) {
		return tunnel, fmt.Errorf("%w: %s", ErrTunnelNotFound, id)
	}
	return tunnel, err
}

func (dbHandler *DBHandler) DeleteTunnel(id string) error {
	db, err := dbHandler.conn()
	if err != nil {
		return err
	}
	result := db.Where("id = ?", id).Delete(&Tunnel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTunnelNotFound, id)
	}
	return nil
}

func (dbHandler *DBHandler) ListTunnels() ([]Tunnel, error) {
	db, err := dbHandler.conn()
	if err != nil {
		return nil, err
	}
	tunnels := []Tunnel{}
	err = db.Order("created_at asc, id asc").Find(&tunnels).Error
	return tunnels, err
}
