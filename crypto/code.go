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
	"crypto/rand"

	"github.com/firma-sign/go-firma-sign/errs"
)

// codeCutoff is the largest multiple of 10 that fits a byte. Bytes at or
// above it are resampled so every digit is equally likely.
const codeCutoff = 250

// GenerateTransferCode returns an n-digit numeric pickup code drawn from the
// system CSPRNG. Digits are produced by rejection sampling, never by a plain
// modulo over the full byte range.
func GenerateTransferCode(n int) (string, error) {
	if n <= 0 {
		return "", errs.New(errs.InvalidConfig, "crypto.GenerateTransferCode", "code length %d", n)
	}
	code := make([]byte, 0, n)
	buf := make([]byte, 1)
	for len(code) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", errs.Wrap(errs.OperationFailed, "crypto.GenerateTransferCode", err)
		}
		if buf[0] >= codeCutoff {
			continue
		}
		code = append(code, '0'+buf[0]%10)
	}
	return string(code), nil
}
