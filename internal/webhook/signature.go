// Copyright 2025 The Terracotta Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the X-Hub-Signature-256 header value for payload
func Sign(payload []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(computeMAC(payload, secret))
}

// ValidateSignature verifies the HMAC-SHA256 signature of a GitHub webhook payload.
// It returns true if the signature is valid, false otherwise.
//
// The signature must be "sha256=<hex-encoded-hmac>". A missing prefix, bad
// hex or an empty secret are all treated as a mismatch. The MACs are
// compared with hmac.Equal, which does not stop at the first differing byte.
func ValidateSignature(payload []byte, signature string, secret string) bool {
	if secret == "" {
		return false
	}

	encoded, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}

	received, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}

	return hmac.Equal(received, computeMAC(payload, secret))
}

func computeMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
