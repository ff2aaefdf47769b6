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

// Package peers maintains the directory of known remote nodes: who has been
// seen, on which addresses, and how long ago. Entries fade after a day
// without contact; a leveldb backend carries the directory across restarts.
package peers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
)

const (
	// directoryCacheSize bounds the in-memory hot set; the database keeps
	// the full directory.
	directoryCacheSize = 4096

	peerIDLength = 32
)

// Directory tracks known peers with a sliding 24h freshness window.
type Directory struct {
	cache  *expirable.LRU[string, *types.Peer]
	db     *DB
	logger *log.Entry
}

// NewDirectory opens the peer directory. dbPath == "" keeps everything in
// memory. Persisted records that are still fresh are warmed into the cache.
func NewDirectory(dbPath string) (*Directory, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "peers.NewDirectory", err)
	}
	d := &Directory{
		cache:  expirable.NewLRU[string, *types.Peer](directoryCacheSize, nil, dbPeerExpiration),
		db:     db,
		logger: log.WithField("component", "peer-directory"),
	}
	warmed := 0
	cutoff := time.Now().Add(-dbPeerExpiration)
	for _, p := range db.Peers() {
		if p.LastSeen.After(cutoff) {
			d.cache.Add(p.PeerID, p)
			warmed++
		}
	}
	if warmed > 0 {
		d.logger.WithField("peers", warmed).Debug("directory warmed from database")
	}
	return d, nil
}

// Observe records a sighting of a peer, merging its addresses and transports
// with what is already known and refreshing the freshness window.
func (d *Directory) Observe(p *types.Peer) error {
	if err := ValidatePeerID(p.PeerID); err != nil {
		return err
	}
	now := time.Now()
	merged := &types.Peer{PeerID: p.PeerID, LastSeen: now}
	if prev, ok := d.cache.Get(p.PeerID); ok {
		merged.Addresses = mergeStrings(prev.Addresses, p.Addresses)
		merged.Protocols = mergeStrings(prev.Protocols, p.Protocols)
		merged.TransportsKnown = mergeStrings(prev.TransportsKnown, p.TransportsKnown)
	} else {
		merged.Addresses = mergeStrings(nil, p.Addresses)
		merged.Protocols = mergeStrings(nil, p.Protocols)
		merged.TransportsKnown = mergeStrings(nil, p.TransportsKnown)
	}
	d.cache.Add(p.PeerID, merged)
	if err := d.db.UpdatePeer(merged); err != nil {
		return errs.Wrap(errs.OperationFailed, "directory.Observe", err)
	}
	d.db.ensureExpirer()
	return nil
}

// Touch refreshes a known peer's freshness window without new information.
func (d *Directory) Touch(peerID string) {
	if p, ok := d.cache.Get(peerID); ok {
		p.LastSeen = time.Now()
		d.cache.Add(peerID, p)
		d.db.UpdatePeer(p)
	}
}

// Get returns the directory entry for peerID.
func (d *Directory) Get(peerID string) (*types.Peer, error) {
	if p, ok := d.cache.Get(peerID); ok {
		return p, nil
	}
	// Cache miss can still hit a fresh database record, e.g. after eviction
	// under memory pressure.
	if p := d.db.Peer(peerID); p != nil && time.Since(p.LastSeen) < dbPeerExpiration {
		d.cache.Add(peerID, p)
		return p, nil
	}
	return nil, errs.New(errs.NotFound, "directory.Get", "peer %s unknown", peerID)
}

// List returns every fresh peer, most recently seen first.
func (d *Directory) List() []*types.Peer {
	out := d.cache.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Remove forgets a peer entirely.
func (d *Directory) Remove(peerID string) {
	d.cache.Remove(peerID)
	d.db.DeletePeer(peerID)
}

// Len reports the number of fresh peers.
func (d *Directory) Len() int { return d.cache.Len() }

// Close releases the backing database.
func (d *Directory) Close() { d.db.Close() }

// ValidatePeerID checks the canonical lowercase hex form of a peer ID.
func ValidatePeerID(id string) error {
	if len(id) != peerIDLength {
		return errs.New(errs.InvalidConfig, "peers.ValidatePeerID",
			"peer id must be %d hex chars, got %d", peerIDLength, len(id))
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return errs.New(errs.InvalidConfig, "peers.ValidatePeerID",
				"peer id contains non-hex character %q", c)
		}
	}
	return nil
}

// Address is a parsed manual peer address of the form
// /ip/<host>/port/<port>/id/<peerid>.
type Address struct {
	Host   string
	Port   int
	PeerID string
}

func (a Address) String() string {
	return fmt.Sprintf("/ip/%s/port/%d/id/%s", a.Host, a.Port, a.PeerID)
}

// HostPort returns the dialable host:port form.
func (a Address) HostPort() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ParseAddress parses a manual peer address.
func ParseAddress(s string) (Address, error) {
	const op = "peers.ParseAddress"
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if len(parts) != 6 || parts[0] != "ip" || parts[2] != "port" || parts[4] != "id" {
		return Address{}, errs.New(errs.InvalidConfig, op,
			"address %q: want /ip/<host>/port/<port>/id/<peerid>", s)
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port < 1 || port > 65535 {
		return Address{}, errs.New(errs.InvalidConfig, op, "address %q: bad port %q", s, parts[3])
	}
	if err := ValidatePeerID(parts[5]); err != nil {
		return Address{}, errs.Wrap(errs.InvalidConfig, op, err)
	}
	if parts[1] == "" {
		return Address{}, errs.New(errs.InvalidConfig, op, "address %q: empty host", s)
	}
	return Address{Host: parts[1], Port: port, PeerID: parts[5]}, nil
}

func mergeStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, lists := range [][]string{base, extra} {
		for _, s := range lists {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
