// Package state persists the last-known device snapshot and the cached auth
// token in a bbolt database, so the app can show device state before the
// first connect completes and reuse a still-valid token across restarts.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/home-sync/internal/protocol"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.home-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	tokenKey  = []byte("token")
)

func homeDevicesBucket(homeID string) []byte {
	return []byte("home:" + homeID + ":devices")
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.home-sync/state.db, creating it
// if it does not exist. The app bucket is created on open.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".home-sync", "state.db")
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached bearer token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the bearer token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// SaveDevices replaces the persisted snapshot for a home with the given
// device list. The whole bucket is rewritten so removals survive restarts
// the same way they do in memory.
func (s *State) SaveDevices(homeID string, devices []protocol.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := homeDevicesBucket(homeID)

		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}

		for _, d := range devices {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("marshalling device %s: %w", d.ID, err)
			}

			if err := b.Put([]byte(d.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadDevices returns the persisted snapshot for a home. A home with no
// saved snapshot yields an empty slice, not an error.
func (s *State) LoadDevices(homeID string) ([]protocol.Device, error) {
	var devices []protocol.Device

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(homeDevicesBucket(homeID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var d protocol.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("unmarshalling device %s: %w", string(k), err)
			}

			devices = append(devices, d)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return devices, nil
}
