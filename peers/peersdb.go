// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

package peers

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lvlerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/firma-sign/go-firma-sign/core/types"
)

// Keys in the peer database.
const (
	dbVersionKey = "version"
	dbPeerPrefix = "p:"
)

const (
	dbPeerExpiration = 24 * time.Hour // Time after which an unseen peer should be dropped.
	dbCleanupCycle   = time.Hour      // Time period for running the expiration task.
	dbVersion        = 1
)

// DB stores previously seen peers so the directory survives restarts. If no
// path is given an in-memory, temporary database is constructed.
type DB struct {
	lvl    *leveldb.DB
	runner sync.Once
	quit   chan struct{}
}

// OpenDB opens a peer database at path, or an in-memory one for path == "".
func OpenDB(path string) (*DB, error) {
	if path == "" {
		return newMemoryDB()
	}
	return newPersistentDB(path)
}

func newMemoryDB() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{lvl: db, quit: make(chan struct{})}, nil
}

// newPersistentDB creates/opens a leveldb backed persistent peer database,
// also flushing its contents in case of a version mismatch.
func newPersistentDB(path string) (*DB, error) {
	opts := &opt.Options{OpenFilesCacheCapacity: 5}
	db, err := leveldb.OpenFile(path, opts)
	if _, iscorrupted := err.(*lvlerrors.ErrCorrupted); iscorrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	// The stored records correspond to a certain encoding version. Flush
	// everything if the version doesn't match.
	currentVer := make([]byte, binary.MaxVarintLen64)
	currentVer = currentVer[:binary.PutVarint(currentVer, int64(dbVersion))]

	blob, err := db.Get([]byte(dbVersionKey), nil)
	switch err {
	case leveldb.ErrNotFound:
		if err := db.Put([]byte(dbVersionKey), currentVer, nil); err != nil {
			db.Close()
			return nil, err
		}

	case nil:
		if !bytes.Equal(blob, currentVer) {
			db.Close()
			if err = os.RemoveAll(path); err != nil {
				return nil, err
			}
			return newPersistentDB(path)
		}
	}
	return &DB{lvl: db, quit: make(chan struct{})}, nil
}

func peerKey(id string) []byte {
	return append([]byte(dbPeerPrefix), id...)
}

// Peer retrieves the stored record for id, or nil when absent.
func (db *DB) Peer(id string) *types.Peer {
	blob, err := db.lvl.Get(peerKey(id), nil)
	if err != nil {
		return nil
	}
	var p types.Peer
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil
	}
	return &p
}

// UpdatePeer inserts, potentially overwriting, a peer record.
func (db *DB) UpdatePeer(p *types.Peer) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return db.lvl.Put(peerKey(p.PeerID), blob, nil)
}

// DeletePeer deletes the stored record for id.
func (db *DB) DeletePeer(id string) {
	db.lvl.Delete(peerKey(id), nil)
}

// Peers returns every stored record.
func (db *DB) Peers() []*types.Peer {
	var out []*types.Peer
	it := db.lvl.NewIterator(util.BytesPrefix([]byte(dbPeerPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var p types.Peer
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out
}

// ensureExpirer starts the expiration task on first use. Deferring the start
// until a peer is actually stored avoids dropping seed records on boot.
func (db *DB) ensureExpirer() {
	db.runner.Do(func() { go db.expirer() })
}

func (db *DB) expirer() {
	tick := time.NewTicker(dbCleanupCycle)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			db.expirePeers()
		case <-db.quit:
			return
		}
	}
}

// expirePeers drops records not seen within dbPeerExpiration.
func (db *DB) expirePeers() {
	threshold := time.Now().Add(-dbPeerExpiration)
	it := db.lvl.NewIterator(util.BytesPrefix([]byte(dbPeerPrefix)), nil)
	defer it.Release()

	var stale [][]byte
	for it.Next() {
		var p types.Peer
		if err := json.Unmarshal(it.Value(), &p); err != nil || p.LastSeen.Before(threshold) {
			stale = append(stale, append([]byte(nil), it.Key()...))
		}
	}
	for _, key := range stale {
		db.lvl.Delete(key, nil)
	}
}

// Close flushes and closes the database files.
func (db *DB) Close() {
	select {
	case <-db.quit:
	default:
		close(db.quit)
	}
	db.lvl.Close()
}
