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
	"bytes"
	"encoding/hex"
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firma-sign/go-firma-sign/crypto"
	"github.com/firma-sign/go-firma-sign/errs"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("payload")))
	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	buf.Reset()
	require.NoError(t, writeFrame(&buf, nil))
	got, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageChunking(t *testing.T) {
	// Three chunks plus a remainder.
	msg := bytes.Repeat([]byte{0xAB}, 3*chunkSize+100)
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, msg, nil))
	got, err := readMessage(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestHandshakeDerivesSharedSession(t *testing.T) {
	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	type result struct {
		sess *session
		err  error
	}
	resA := make(chan result, 1)
	go func() {
		s, err := handshake(connA, keyA, true)
		resA <- result{s, err}
	}()
	sessB, err := handshake(connB, keyB, false)
	require.NoError(t, err)
	ra := <-resA
	require.NoError(t, ra.err)
	sessA := ra.sess

	assert.Equal(t, crypto.PeerID(keyB.PubKey()), sessA.peerID)
	assert.Equal(t, crypto.PeerID(keyA.PubKey()), sessB.peerID)

	// A's send direction must open under B's recv direction, and vice versa.
	sealed := sessA.send.seal([]byte("over the wire"))
	opened, err := sessB.recv.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("over the wire"), opened)

	sealed = sessB.send.seal([]byte("and back"))
	opened, err = sessA.recv.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("and back"), opened)
}

func TestSessionCipherRejectsTampering(t *testing.T) {
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	done := make(chan *session, 1)
	go func() {
		s, _ := handshake(connA, keyA, true)
		done <- s
	}()
	sessB, err := handshake(connB, keyB, false)
	require.NoError(t, err)
	sessA := <-done
	require.NotNil(t, sessA)

	sealed := sessA.send.seal([]byte("secret"))
	sealed[0] ^= 0xFF
	_, err = sessB.recv.open(sealed)
	assert.True(t, errs.IsKind(err, errs.AuthFailed))
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	// Forge a hello claiming key's identity but signed by another key.
	go func() {
		var remote helloMsg
		recvHello(connA, &remote)
		nonce := bytes.Repeat([]byte{0x01}, helloNonceLen)
		forged := helloMsg{
			Pubkey:  pubkeyHex(key),
			Nonce:   nonceHex(nonce),
			Sig:     sigHex(other, nonce),
			Muxers:  []string{muxerSingle},
			Ciphers: []string{cipherAESGCM},
		}
		sendHello(connA, &forged)
	}()

	_, err := handshake(connB, other, true)
	assert.True(t, errs.IsKind(err, errs.AuthFailed))
}

func pubkeyHex(key *btcec.PrivateKey) string {
	return hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func nonceHex(nonce []byte) string {
	return hex.EncodeToString(nonce)
}

func sigHex(key *btcec.PrivateKey, nonce []byte) string {
	return hex.EncodeToString(crypto.Sign(key, nonce))
}
