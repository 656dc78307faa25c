// Package meshid converts between numeric Meshtastic node IDs and their
// canonical hex string form: lowercase, zero-padded to 8 characters, with an
// optional leading "!".
package meshid

import (
	"fmt"
	"strconv"
	"strings"
)

// HexWithBang formats a node ID as "!cafebabe".
func HexWithBang(nodeID uint32) string {
	return fmt.Sprintf("!%08x", nodeID)
}

// HexWithoutBang formats a node ID as "cafebabe".
func HexWithoutBang(nodeID uint32) string {
	return fmt.Sprintf("%08x", nodeID)
}

// Color returns the last 6 hex characters of the node ID, usable as an RGB
// display color.
func Color(nodeID uint32) string {
	return HexWithoutBang(nodeID)[2:]
}

// Parse accepts "!cafebabe" or "cafebabe" and returns the numeric node ID.
// Exactly 8 hex characters are required after the optional "!".
func Parse(s string) (uint32, error) {
	hexPart := strings.TrimPrefix(s, "!")
	if len(hexPart) != 8 {
		return 0, fmt.Errorf("meshid: node ID %q must be 8 hex characters", s)
	}
	n, err := strconv.ParseUint(hexPart, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("meshid: node ID %q is not a hex number", s)
	}
	return uint32(n), nil
}
