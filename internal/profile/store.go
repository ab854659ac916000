// Package profile persists named hotspot profiles in a bbolt database,
// so "apmgr start --profile home" works without retyping the SSID and
// addressing every time.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const profilesBucket = "profiles"

// DefaultDBPath is the default profile database location.
const DefaultDBPath = "/var/lib/apmgr/profiles.db"

// ErrNotFound is returned when a named profile does not exist.
var ErrNotFound = errors.New("profile: not found")

// Profile describes one access point configuration.
type Profile struct {
	Name             string `json:"name"`
	SSID             string `json:"ssid"`
	Passphrase       string `json:"passphrase,omitempty"`
	Interface        string `json:"interface"`
	VirtualInterface string `json:"virtual_interface"`
	Gateway          string `json:"gateway"`
	Channel          int    `json:"channel"`
	Hidden           bool   `json:"hidden"`
}

// Store is a bbolt-backed profile database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the profile database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("profile: create database directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("profile: open database %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(profilesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("profile: initialize database: %w", err)
	}

	return &Store{db: db}, nil
}

// Put stores p under its name, replacing any previous version.
func (s *Store) Put(p *Profile) error {
	if p.Name == "" {
		return errors.New("profile: name is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(profilesBucket)).Put([]byte(p.Name), data)
	})
}

// Get returns the profile stored under name, or ErrNotFound.
func (s *Store) Get(name string) (*Profile, error) {
	var p Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(profilesBucket)).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns all profiles in key order.
func (s *Store) List() ([]*Profile, error) {
	var profiles []*Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(profilesBucket)).ForEach(func(_, v []byte) error {
			var p Profile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			profiles = append(profiles, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// Delete removes the profile stored under name, or returns ErrNotFound.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(profilesBucket))
		if b.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(name))
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
