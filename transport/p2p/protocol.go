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

package p2p

import (
	"encoding/json"
	"io"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
)

// Protocol identifiers, sent as the first message of a session.
const (
	protoTransfer = "/firma-sign/transfer/1"
	protoPeers    = "/firma-sign/peers/1"
)

// wireDocument is one document on the wire. Data is base64 in the JSON
// encoding; Hash is verified against it on ingest.
type wireDocument struct {
	ID       string            `json:"id"`
	FileName string            `json:"fileName"`
	MimeType string            `json:"mimeType"`
	Size     int64             `json:"size"`
	Hash     string            `json:"hash"`
	Data     []byte            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// transferRequest is the single request message of the transfer protocol.
type transferRequest struct {
	TransferID string            `json:"transferId"`
	Documents  []wireDocument    `json:"documents"`
	Sender     types.Sender      `json:"sender"`
	Options    map[string]string `json:"options,omitempty"`
}

// transferReply acknowledges a transfer request.
type transferReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// peersRequest asks a remote node for its known peers.
type peersRequest struct {
	Want int `json:"want"`
}

// peersReply carries a slice of the remote directory.
type peersReply struct {
	Peers []*types.Peer `json:"peers"`
}

// sendJSON marshals v and writes it as one sealed message.
func sendJSON(w io.Writer, enc *sessionCipher, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "p2p.sendJSON", err)
	}
	return writeMessage(w, raw, enc)
}

// recvJSON reads one sealed message and unmarshals it into v.
func recvJSON(r io.Reader, dec *sessionCipher, v interface{}) error {
	raw, err := readMessage(r, dec)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.OperationFailed, "p2p.recvJSON", err)
	}
	return nil
}

// openProtocol announces which protocol the dialer wants to speak.
func openProtocol(w io.Writer, enc *sessionCipher, proto string) error {
	return writeMessage(w, []byte(proto), enc)
}

// acceptProtocol reads the dialer's protocol announcement.
func acceptProtocol(r io.Reader, dec *sessionCipher) (string, error) {
	raw, err := readMessage(r, dec)
	if err != nil {
		return "", err
	}
	proto := string(raw)
	switch proto {
	case protoTransfer, protoPeers:
		return proto, nil
	}
	return "", errs.New(errs.OperationFailed, "p2p.acceptProtocol", "unknown protocol %q", proto)
}
