package pop3

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// RecognizedSASLMechanisms lists the SASL mechanisms the relay knows how to
// peek a username out of for content logging. Mechanisms outside this list
// are still relayed transparently; only logging is affected.
func RecognizedSASLMechanisms() []string {
	return []string{sasl.Plain}
}

// ExtractPlainUsername decodes a base64-encoded SASL PLAIN initial response
// (authzid \0 authcid \0 password) observed in an "AUTH PLAIN <resp>" line
// and returns the authentication identity, for content logging only — the
// proxy never itself validates the credential.
func ExtractPlainUsername(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode SASL PLAIN response: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed SASL PLAIN response")
	}
	return parts[1], nil
}
