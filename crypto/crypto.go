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

// Package crypto holds the content hashing, envelope encryption and identity
// key primitives shared by the store, the transports and the state engine.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/firma-sign/go-firma-sign/errs"
)

const (
	saltLen    = 32
	ivLen      = 16
	tagLen     = 16
	keyLen     = 32
	pbkdf2Iter = 100000
)

// Hash returns the SHA-256 digest of data as lowercase hex.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashReader hashes everything readable from r.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// DocumentID derives a short, collision-resistant document identifier from a
// content hash and a timestamp. Callers must treat the result as opaque.
func DocumentID(hash string, timestamp int64) string {
	h := sha256.Sum256([]byte(hash + "-" + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(h[:])[:16]
}

// CombineHashes folds a set of hex hashes into one digest. The input is
// sorted first so the result is independent of argument order.
func CombineHashes(hashes []string) string {
	sorted := make([]string, len(hashes))
	copy(sorted, hashes)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "")))
	return hex.EncodeToString(h[:])
}

// Envelope is the result of password-based encryption. All fields are needed
// to decrypt; none are secret.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
}

// Encrypt seals data under a password with AES-256-GCM. The key is derived
// with PBKDF2-SHA256 at 100000 iterations over a fresh 32-byte salt.
func Encrypt(data []byte, password string) (*Envelope, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "crypto.Encrypt", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "crypto.Encrypt", err)
	}
	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, iv, data, nil)
	// The GCM tag trails the ciphertext; keep it separate on the wire.
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	return &Envelope{Ciphertext: ct, Salt: salt, IV: iv, Tag: tag}, nil
}

// Decrypt opens an envelope. A wrong password or tampered payload fails with
// AuthFailed.
func Decrypt(env *Envelope, password string) ([]byte, error) {
	aead, err := newAEAD(password, env.Salt)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	plain, err := aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, errs.New(errs.AuthFailed, "crypto.Decrypt", "tag verification failed")
	}
	return plain, nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iter, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "crypto.newAEAD", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "crypto.newAEAD", err)
	}
	return aead, nil
}
