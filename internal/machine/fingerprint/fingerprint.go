// Package fingerprint derives a stable one-way machine fingerprint from
// device identifiers. Only the hash ever leaves this package.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
)

// machineIDPaths are checked in order for a stable host identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Derive hashes stable device identifiers into a hex fingerprint.
// The raw identifiers are never persisted or transmitted.
func Derive() string {
	parts := []string{runtime.GOOS, runtime.GOARCH}

	if hostname, err := os.Hostname(); err == nil {
		parts = append(parts, hostname)
	}
	if id := readMachineID(); id != "" {
		parts = append(parts, id)
	}

	return FromParts(parts...)
}

// FromParts hashes the given identifiers; exposed for tests and for
// callers that collect platform identifiers themselves.
func FromParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func readMachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}
