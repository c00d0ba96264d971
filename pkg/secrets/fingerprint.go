// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeviceFingerprint derives the 256-bit device fingerprint enforced by use-key
// device limits: SHA-256 over the client IP, a NUL separator, and the user
// agent, hex encoded.
func DeviceFingerprint(ip, userAgent string) string {
	h := sha256.New()
	h.Write([]byte(ip))
	h.Write([]byte{0x00})
	h.Write([]byte(userAgent))
	return hex.EncodeToString(h.Sum(nil))
}
