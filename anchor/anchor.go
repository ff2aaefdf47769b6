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

// Package anchor publishes document hashes to an external immutable record.
// The engine treats anchoring as best effort: a failed anchor never fails
// the transfer it belongs to.
package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes what stage of a document the anchored hash captures.
type Kind string

const (
	KindOriginal Kind = "original"
	KindSigned   Kind = "signed"
)

// Anchorer records a hash in some external system and returns the resulting
// transaction id.
type Anchorer interface {
	Anchor(ctx context.Context, transferID, hash string, kind Kind) (txID string, err error)
}

// Record is one anchored hash.
type Record struct {
	TxID       string
	TransferID string
	Hash       string
	Kind       Kind
	AnchoredAt time.Time
}

// Memory is an in-process Anchorer that keeps records for inspection. It
// stands in until an external notary integration is configured.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory returns an empty in-process anchorer.
func NewMemory() *Memory { return &Memory{} }

// Anchor records the hash and returns a synthetic transaction id.
func (m *Memory) Anchor(ctx context.Context, transferID, hash string, kind Kind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	txID := fmt.Sprintf("mem-%s", uuid.NewString())
	m.mu.Lock()
	m.records = append(m.records, Record{
		TxID:       txID,
		TransferID: transferID,
		Hash:       hash,
		Kind:       kind,
		AnchoredAt: time.Now(),
	})
	m.mu.Unlock()
	return txID, nil
}

// Records returns a copy of everything anchored so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
