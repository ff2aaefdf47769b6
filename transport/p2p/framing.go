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
	"encoding/binary"
	"io"

	"github.com/firma-sign/go-firma-sign/errs"
)

const (
	// chunkSize is the payload size a message is split into on the wire.
	chunkSize = 1 << 20

	// maxFrameSize bounds a single frame. Chunks stay at chunkSize plus the
	// cipher overhead; anything larger is a protocol violation.
	maxFrameSize = chunkSize + 1024

	// maxMessageSize bounds a reassembled message. Sized for a full batch of
	// base64-encoded documents under the per-document cap.
	maxMessageSize = 768 << 20
)

// writeFrame sends one length-prefixed frame: a big-endian uint32 length
// followed by the payload. A zero length is the message terminator.
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return errs.Wrap(errs.OperationFailed, "p2p.writeFrame", err)
	}
	return nil
}

// readFrame reads one frame. It returns a nil, nil pair for the zero-length
// terminator frame.
func readFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "p2p.readFrame", err)
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 {
		return nil, nil
	}
	if size > maxFrameSize {
		return nil, errs.New(errs.OperationFailed, "p2p.readFrame", "frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "p2p.readFrame", err)
	}
	return payload, nil
}

// writeMessage splits msg into chunk frames and appends the zero-length
// terminator. enc, when non-nil, seals each chunk before framing.
func writeMessage(w io.Writer, msg []byte, enc *sessionCipher) error {
	for len(msg) > 0 {
		n := len(msg)
		if n > chunkSize {
			n = chunkSize
		}
		chunk := msg[:n]
		msg = msg[n:]
		if enc != nil {
			chunk = enc.seal(chunk)
		}
		if err := writeFrame(w, chunk); err != nil {
			return err
		}
	}
	return writeFrame(w, nil)
}

// readMessage reassembles chunk frames up to the terminator. dec, when
// non-nil, opens each chunk after framing.
func readMessage(r io.Reader, dec *sessionCipher) ([]byte, error) {
	var msg []byte
	for {
		chunk, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return msg, nil
		}
		if dec != nil {
			chunk, err = dec.open(chunk)
			if err != nil {
				return nil, err
			}
		}
		if len(msg)+len(chunk) > maxMessageSize {
			return nil, errs.New(errs.OperationFailed, "p2p.readMessage", "message exceeds %d bytes", maxMessageSize)
		}
		msg = append(msg, chunk...)
	}
}
