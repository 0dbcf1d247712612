// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var artifactsBucket = []byte("artifacts")

// BoltBackend persists artifacts in a bbolt database, one JSON record per
// artifact ID.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (or creates) the database at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create artifacts bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Put(a *Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %q: %w", a.ID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Put([]byte(a.ID), data)
	})
}

func (b *BoltBackend) Get(id string) (*Artifact, bool, error) {
	var a *Artifact
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(artifactsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		a = &Artifact{}
		return json.Unmarshal(data, a)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read artifact %q: %w", id, err)
	}
	return a, a != nil, nil
}

func (b *BoltBackend) List() ([]*Artifact, error) {
	var out []*Artifact
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).ForEach(func(_, data []byte) error {
			a := &Artifact{}
			if err := json.Unmarshal(data, a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return out, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
