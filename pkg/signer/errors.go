// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package signer

// Reason tags a verification failure for logging and tests. Callers never
// expose the reason to clients.
type Reason string

// Verification failure reasons, one per check.
const (
	ReasonSignature   Reason = "signature"
	ReasonExpired     Reason = "expired"
	ReasonNotYetValid Reason = "not_yet_valid"
	ReasonIssuer      Reason = "issuer"
	ReasonAudience    Reason = "audience"
	ReasonType        Reason = "type"
	ReasonAlgorithm   Reason = "algorithm"
	ReasonMalformed   Reason = "malformed"
)

// VerificationError reports why a presented token was rejected.
type VerificationError struct {
	Reason Reason
}

func (e *VerificationError) Error() string {
	return "invalid token: " + string(e.Reason)
}
