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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/firma-sign/go-firma-sign/crypto"
	"github.com/firma-sign/go-firma-sign/errs"
)

const (
	muxerSingle   = "single/1"
	cipherAESGCM  = "aes-256-gcm/1"
	sessionInfo   = "/firma-sign/session/1"
	helloNonceLen = 32
)

// helloMsg is the mutual-auth frame each side sends in the clear before the
// session keys exist. The signature over the nonce proves possession of the
// key behind the advertised identity.
type helloMsg struct {
	Pubkey  string   `json:"pubkey"`
	Nonce   string   `json:"nonce"`
	Sig     string   `json:"sig"`
	Muxers  []string `json:"muxers"`
	Ciphers []string `json:"ciphers"`
}

// session is an authenticated, encrypted connection to one remote peer.
type session struct {
	peerID    string
	remotePub *btcec.PublicKey
	send      *sessionCipher
	recv      *sessionCipher
}

// sessionCipher seals one direction of a session with AES-256-GCM under a
// counter nonce. Frames are strictly ordered on a single stream, so both
// ends derive the same nonce sequence.
type sessionCipher struct {
	aead    cipher.AEAD
	counter uint64
}

func newSessionCipher(key []byte) (*sessionCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "p2p.newSessionCipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "p2p.newSessionCipher", err)
	}
	return &sessionCipher{aead: aead}, nil
}

func (c *sessionCipher) nonce() []byte {
	n := make([]byte, 12)
	binary.BigEndian.PutUint64(n[4:], c.counter)
	c.counter++
	return n
}

func (c *sessionCipher) seal(plaintext []byte) []byte {
	return c.aead.Seal(nil, c.nonce(), plaintext, nil)
}

func (c *sessionCipher) open(ciphertext []byte) ([]byte, error) {
	out, err := c.aead.Open(nil, c.nonce(), ciphertext, nil)
	if err != nil {
		return nil, errs.New(errs.AuthFailed, "p2p.sessionCipher", "frame authentication failed")
	}
	return out, nil
}

// handshake runs the hello exchange over rw. The initiator speaks first so
// the exchange stays sequential. On success both directions carry fresh
// AES-256-GCM keys derived from the static ECDH secret and both nonces.
func handshake(rw io.ReadWriter, key *btcec.PrivateKey, initiator bool) (*session, error) {
	const op = "p2p.handshake"

	nonce := make([]byte, helloNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, op, err)
	}
	own := helloMsg{
		Pubkey:  hex.EncodeToString(key.PubKey().SerializeCompressed()),
		Nonce:   hex.EncodeToString(nonce),
		Sig:     hex.EncodeToString(crypto.Sign(key, nonce)),
		Muxers:  []string{muxerSingle},
		Ciphers: []string{cipherAESGCM},
	}

	var remote helloMsg
	if initiator {
		if err := sendHello(rw, &own); err != nil {
			return nil, err
		}
		if err := recvHello(rw, &remote); err != nil {
			return nil, err
		}
	} else {
		if err := recvHello(rw, &remote); err != nil {
			return nil, err
		}
		if err := sendHello(rw, &own); err != nil {
			return nil, err
		}
	}

	remotePub, remoteNonce, err := verifyHello(&remote)
	if err != nil {
		return nil, err
	}
	if !contains(remote.Muxers, muxerSingle) {
		return nil, errs.New(errs.AuthFailed, op, "no common muxer")
	}
	if !contains(remote.Ciphers, cipherAESGCM) {
		return nil, errs.New(errs.AuthFailed, op, "no common cipher")
	}

	// Directional keys: HKDF over the static ECDH secret, salted with both
	// nonces in initiator-first order.
	secret := btcec.GenerateSharedSecret(key, remotePub)
	salt := make([]byte, 0, 2*helloNonceLen)
	if initiator {
		salt = append(append(salt, nonce...), remoteNonce...)
	} else {
		salt = append(append(salt, remoteNonce...), nonce...)
	}
	keys := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(sessionInfo)), keys); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, op, err)
	}
	initToResp, respToInit := keys[:32], keys[32:]

	var sendKey, recvKey []byte
	if initiator {
		sendKey, recvKey = initToResp, respToInit
	} else {
		sendKey, recvKey = respToInit, initToResp
	}
	send, err := newSessionCipher(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := newSessionCipher(recvKey)
	if err != nil {
		return nil, err
	}
	return &session{
		peerID:    crypto.PeerID(remotePub),
		remotePub: remotePub,
		send:      send,
		recv:      recv,
	}, nil
}

func sendHello(w io.Writer, msg *helloMsg) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "p2p.sendHello", err)
	}
	return writeFrame(w, raw)
}

func recvHello(r io.Reader, msg *helloMsg) error {
	raw, err := readFrame(r)
	if err != nil {
		return err
	}
	if raw == nil {
		return errs.New(errs.AuthFailed, "p2p.recvHello", "empty hello frame")
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return errs.Wrap(errs.AuthFailed, "p2p.recvHello", err)
	}
	return nil
}

func verifyHello(msg *helloMsg) (*btcec.PublicKey, []byte, error) {
	const op = "p2p.verifyHello"
	rawPub, err := hex.DecodeString(msg.Pubkey)
	if err != nil {
		return nil, nil, errs.Wrap(errs.AuthFailed, op, err)
	}
	pub, err := btcec.ParsePubKey(rawPub)
	if err != nil {
		return nil, nil, errs.Wrap(errs.AuthFailed, op, err)
	}
	nonce, err := hex.DecodeString(msg.Nonce)
	if err != nil || len(nonce) != helloNonceLen {
		return nil, nil, errs.New(errs.AuthFailed, op, "malformed nonce")
	}
	sig, err := hex.DecodeString(msg.Sig)
	if err != nil {
		return nil, nil, errs.Wrap(errs.AuthFailed, op, err)
	}
	if !crypto.Verify(pub, nonce, sig) {
		return nil, nil, errs.New(errs.AuthFailed, op, "hello signature invalid")
	}
	return pub, nonce, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
