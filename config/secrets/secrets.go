// Package secrets resolves "!secret name" references against files
// mounted under /run/secrets, the layout used by container secret stores.
package secrets

import (
	"bytes"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const dir = "/run/secrets"

// Prefix marks a string for substitution with a secret value:
//
//	"!secret db_password" -> contents of /run/secrets/db_password
const Prefix = "!secret "

// CutPrefix is equivalent to [strings.CutPrefix](s, [Prefix]).
func CutPrefix(s string) (secret string, ok bool) {
	return strings.CutPrefix(s, Prefix)
}

// Read returns the trimmed contents of /run/secrets/<secret>.
func Read(secret string) (string, error) {
	var buf [256]byte

	fd, err := unix.Open(filepath.Join(dir, secret), unix.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)

	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return "", err
	}

	return string(bytes.TrimSpace(buf[:n])), nil
}

// MustRead returns the value of the secret, or fallback if it cannot
// be read.
func MustRead(secret, fallback string) string {
	s, err := Read(secret)
	if err != nil {
		return fallback
	}

	return s
}
