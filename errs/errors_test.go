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

package errs

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsInnerKind(t *testing.T) {
	inner := New(HashMismatch, "blob.Read", "stored abc, computed def")
	outer := Wrap(OperationFailed, "coordinator.DocumentBytes", inner)

	k, ok := KindOf(outer)
	assert.True(t, ok)
	assert.Equal(t, HashMismatch, k)
	assert.True(t, IsKind(outer, HashMismatch))
}

func TestRetryable(t *testing.T) {
	netFault := Wrap(OperationFailed, "p2p.sendToRecipient",
		&net.OpError{Op: "read", Err: errors.New("connection reset")})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"send timeout", New(SendTimeout, "p2p.Send", "no reply"), true},
		{"transport unavailable", New(TransportUnavailable, "registry.Get", "p2p"), true},
		{"network operation failure", netFault, true},
		{"internal operation failure", New(OperationFailed, "coordinator.TransitionTransfer", "illegal transition"), false},
		{"auth failure", New(AuthFailed, "p2p.handshake", "bad tag"), false},
		{"already signed", New(AlreadySigned, "relstore.MarkDocumentSigned", "document d"), false},
		{"unclassified", errors.New("plain"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}
