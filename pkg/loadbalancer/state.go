package loadbalancer

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketTracked = []byte("tracked")

// trackedSite is one programmed front-end: the URL key it serves, the
// backend port and the current backend set. Persisting it lets a
// restarted manager keep attributing connection counts to the right
// backends before the first Change arrives.
type trackedSite struct {
	URL      string   `json:"url"`
	Port     int      `json:"port"`
	Backends []string `json:"backends"`
}

// stateStore persists tracked sites in a bolt bucket keyed by URL hash
type stateStore struct {
	db *bolt.DB
}

// openStateStore opens (creating if needed) the driver state database
func openStateStore(path string) (*stateStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTracked)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &stateStore{db: db}, nil
}

func (s *stateStore) save(id string, site trackedSite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(site)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTracked).Put([]byte(id), data)
	})
}

func (s *stateStore) delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTracked).Delete([]byte(id))
	})
}

func (s *stateStore) load() (map[string]trackedSite, error) {
	sites := make(map[string]trackedSite)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTracked).ForEach(func(k, v []byte) error {
			var site trackedSite
			if err := json.Unmarshal(v, &site); err != nil {
				// Skip unreadable records; they get rewritten on the
				// next Change.
				return nil
			}
			sites[string(k)] = site
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sites, nil
}

func (s *stateStore) clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketTracked); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketTracked)
		return err
	})
}

func (s *stateStore) close() error {
	return s.db.Close()
}
