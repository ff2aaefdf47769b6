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

// Package transport defines the uniform contract heterogeneous delivery
// mechanisms implement to take part in the transfer pipeline, and the
// registry that instantiates, supervises and routes between them.
package transport

import (
	"context"
	"time"

	"github.com/firma-sign/go-firma-sign/core/types"
)

// Config is the opaque per-transport configuration map.
type Config map[string]interface{}

// Capabilities is a transport's immutable feature descriptor.
type Capabilities struct {
	MaxFileSize           int64    `json:"maxFileSize"`
	SupportsBatch         bool     `json:"supportsBatch"`
	SupportsEncryption    bool     `json:"supportsEncryption"`
	SupportsNotifications bool     `json:"supportsNotifications"`
	SupportsResume        bool     `json:"supportsResume"`
	RequiredConfig        []string `json:"requiredConfig"`
}

// Status is a transport's live condition.
type Status struct {
	Initialized     bool   `json:"initialized"`
	Receiving       bool   `json:"receiving"`
	ActiveTransfers int    `json:"activeTransfers"`
	LastError       string `json:"lastError,omitempty"`
}

// DocumentPayload is one document as it travels over a transport.
type DocumentPayload struct {
	ID       string            `json:"id"`
	FileName string            `json:"fileName"`
	MimeType string            `json:"mimeType"`
	Size     int64             `json:"size"`
	Data     []byte            `json:"data"`
	Hash     string            `json:"hash"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RecipientRef addresses one recipient of an outgoing transfer.
type RecipientRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Transport  string `json:"transport"`
}

// OutgoingTransfer is the unit handed to Send.
type OutgoingTransfer struct {
	TransferID string
	Documents  []DocumentPayload
	Recipients []RecipientRef
	Sender     types.Sender
	Options    map[string]string
}

// RecipientResult reports one recipient's terminal outcome. Err is nil on
// success and carries a taxonomy kind otherwise.
type RecipientResult struct {
	Recipient RecipientRef
	Success   bool
	Err       error
}

// Result aggregates a Send. Success is true when any recipient succeeded;
// RecipientResults is length-aligned with OutgoingTransfer.Recipients in the
// same order.
type Result struct {
	Success          bool
	RecipientResults []RecipientResult
}

// IncomingEnvelope is one received transfer frame. The consumer must send
// the persistence outcome on Reply (buffered, never blocks) so the transport
// can acknowledge on the wire.
type IncomingEnvelope struct {
	TransferID string
	Documents  []DocumentPayload
	Sender     types.Sender
	Transport  string
	Options    map[string]string
	ReceivedAt time.Time
	Reply      chan<- error
}

// Transport is the contract every delivery mechanism implements. Send never
// returns an error for partial failures; only transport-fatal conditions
// (not initialized, config rejected) error the call itself.
type Transport interface {
	Name() string
	Version() string
	Capabilities() Capabilities

	ValidateConfig(cfg Config) error
	Initialize(ctx context.Context, cfg Config) error
	Shutdown(ctx context.Context) error
	Status() Status

	Send(ctx context.Context, out *OutgoingTransfer) (*Result, error)

	// Receive starts delivery of incoming envelopes onto sink. Multiple
	// calls add sinks; every sink observes every envelope.
	Receive(sink chan<- IncomingEnvelope) error
	// StopReceiving detaches all sinks.
	StopReceiving() error
}
