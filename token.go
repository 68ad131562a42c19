package parlo

import "strings"

// schemePrefixes are the transport decorations seen on stored credentials.
var schemePrefixes = []string{"bearer ", "jwt "}

// NormalizeToken strips scheme-prefix decoration from a raw bearer credential
// so the handshake carries the bare token. Pure function; unrecognized input
// passes through unchanged — the gateway is authoritative on validity.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	for _, prefix := range schemePrefixes {
		if len(token) > len(prefix) && strings.EqualFold(token[:len(prefix)], prefix) {
			return strings.TrimSpace(token[len(prefix):])
		}
	}
	return token
}
