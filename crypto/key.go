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

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/firma-sign/go-firma-sign/errs"
)

// peerIDLen is the hex length of a node identifier derived from a public key.
const peerIDLen = 32

// GenerateKey creates a new long-lived node identity key.
func GenerateKey() (*btcec.PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "crypto.GenerateKey", err)
	}
	return key, nil
}

// SaveKey persists a private key to file as hex, owner-readable only.
func SaveKey(path string, key *btcec.PrivateKey) error {
	enc := hex.EncodeToString(key.Serialize())
	if err := os.WriteFile(path, []byte(enc), 0600); err != nil {
		return errs.Wrap(errs.OperationFailed, "crypto.SaveKey", err)
	}
	return nil
}

// LoadKey reads a hex-encoded private key from file.
func LoadKey(path string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.NotFound, "crypto.LoadKey", err)
		}
		return nil, errs.Wrap(errs.OperationFailed, "crypto.LoadKey", err)
	}
	buf, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, errs.Wrap(errs.InvalidConfig, "crypto.LoadKey", err)
	}
	key, _ := btcec.PrivKeyFromBytes(buf)
	return key, nil
}

// LoadOrGenerateKey loads the key at path, creating and saving a fresh one
// on first start.
func LoadOrGenerateKey(path string) (*btcec.PrivateKey, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errs.IsKind(err, errs.NotFound) {
		return nil, err
	}
	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// PeerID derives the node identifier from a public key: the leading hex of
// the SHA-256 digest over the compressed encoding. The id is content
// addressed; a peer cannot claim an id without holding the matching key.
func PeerID(pub *btcec.PublicKey) string {
	h := sha256.Sum256(pub.SerializeCompressed())
	return hex.EncodeToString(h[:])[:peerIDLen]
}

// Sign produces a compact ECDSA signature over the SHA-256 digest of data.
func Sign(key *btcec.PrivateKey, data []byte) []byte {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(key, digest[:]).Serialize()
}

// Verify checks a DER signature over the SHA-256 digest of data.
func Verify(pub *btcec.PublicKey, data, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return parsed.Verify(digest[:], pub)
}
