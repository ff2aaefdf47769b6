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

// Package types contains the durable entities of the transfer pipeline:
// transfers, their documents and recipients, and the peers they travel to.
package types

import "time"

// Transfer is a single send action from one sender to one or more
// recipients, containing one or more documents. Identifiers are opaque
// strings of at most 64 printable characters.
type Transfer struct {
	ID              string            `json:"id"`
	Direction       Direction         `json:"type"`
	Status          TransferStatus    `json:"status"`
	TransportName   string            `json:"transportType"`
	TransportConfig map[string]string `json:"transportConfig,omitempty"`
	Sender          *Sender           `json:"sender,omitempty"`
	Metadata        *TransferMetadata `json:"metadata,omitempty"`
	CreatedAt       int64             `json:"createdAt"` // unix seconds
	UpdatedAt       int64             `json:"updatedAt"` // unix seconds
}

// TransferMetadata carries the caller-supplied transfer options.
type TransferMetadata struct {
	Deadline               int64  `json:"deadline,omitempty"` // unix ms, zero means none
	Message                string `json:"message,omitempty"`
	RequireAllSignatures   bool   `json:"requireAllSignatures,omitempty"`
	RequiredSignatureCount int    `json:"requiredSignatureCount,omitempty"`
	ReturnTransport        bool   `json:"returnTransport,omitempty"`
	OriginalTransferID     string `json:"originalTransferId,omitempty"`
	TransferCode           string `json:"transferCode,omitempty"`
}

// DeadlinePassed reports whether the metadata deadline lies before now.
func (m *TransferMetadata) DeadlinePassed(now time.Time) bool {
	return m != nil && m.Deadline > 0 && m.Deadline < now.UnixMilli()
}

// Document is one signable file inside a transfer. Its bytes live in the
// blob store under the canonical transfer path; the row carries the hash.
type Document struct {
	ID                 string         `json:"id"`
	TransferID         string         `json:"transferId"`
	FileName           string         `json:"fileName"`
	Size               int64          `json:"size"`
	ContentHash        string         `json:"contentHash"`
	Status             DocumentStatus `json:"status"`
	OriginalDocumentID string         `json:"originalDocumentId,omitempty"`
	SignedAt           int64          `json:"signedAt,omitempty"` // unix seconds
	SignedBy           string         `json:"signedBy,omitempty"`
	OriginalAnchor     string         `json:"originalAnchor,omitempty"`
	SignedAnchor       string         `json:"signedAnchor,omitempty"`
	CreatedAt          int64          `json:"createdAt"`
}

// Recipient is one target of an outgoing transfer, addressed by an
// identifier meaningful to its transport.
type Recipient struct {
	ID          string            `json:"id"`
	TransferID  string            `json:"transferId"`
	Identifier  string            `json:"identifier"`
	Transport   string            `json:"transport"`
	Status      RecipientStatus   `json:"status"`
	Preferences map[string]string `json:"preferences,omitempty"`
	NotifiedAt  int64             `json:"notifiedAt,omitempty"`
	ViewedAt    int64             `json:"viewedAt,omitempty"`
	SignedAt    int64             `json:"signedAt,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
}

// Sender identifies the originator of an incoming transfer.
type Sender struct {
	SenderID     string       `json:"senderId"`
	Name         string       `json:"name"`
	Email        string       `json:"email,omitempty"`
	PublicKey    string       `json:"publicKey,omitempty"`
	Transport    string       `json:"transport"`
	Timestamp    int64        `json:"timestamp"` // unix ms
	Verification Verification `json:"verification"`
}

// Peer is a reachability cache entry. Weak reference only; never the source
// of truth for durable records.
type Peer struct {
	PeerID          string    `json:"peerId"`
	Addresses       []string  `json:"addresses"`
	Protocols       []string  `json:"protocols"`
	LastSeen        time.Time `json:"lastSeen"`
	TransportsKnown []string  `json:"transportsKnown"`
}

// BlobSlot names the two byte variants a document may have.
type BlobSlot string

const (
	SlotOriginal BlobSlot = "original"
	SlotSigned   BlobSlot = "signed"
)
