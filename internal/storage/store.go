package storage

import (
	"errors"

	"github.com/smenaquispe/observatory/internal/config"
	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/pkg/observation"
)

// ErrNotFound indicates the requested record id does not exist.
var ErrNotFound = errors.New("observation record not found")

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// StoredRecord wraps an observation record with its persisted identifier.
// Ids are assigned by the store in strictly increasing creation order.
type StoredRecord struct {
	ID int64 `json:"id"`
	*observation.Record
}

// Store defines the persistence contract for observation records.
type Store interface {
	// Create persists a pending record and returns the assigned id.
	Create(*observation.Record) (int64, error)
	// Complete atomically applies the response facet to an existing record.
	// Returns ErrNotFound when the id does not exist.
	Complete(id int64, c observation.Completion) error
	// Get returns the record with the given id or ErrNotFound.
	Get(id int64) (*StoredRecord, error)
	// ListSince returns records with id > sinceID, newest first, capped at
	// limit. A sinceID of zero means no cursor.
	ListSince(sinceID int64, limit int) ([]*StoredRecord, error)
	// CountTotal returns the all-time record count.
	CountTotal() (int, error)
	// CountSince counts records with id > sinceID.
	CountSince(sinceID int64) (int, error)
	// LatestMatching returns the most recent record with the same method and
	// path created after afterID, or ErrNotFound.
	LatestMatching(method, path string, afterID int64) (*StoredRecord, error)

	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}
