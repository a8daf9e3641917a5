// Package ids generates the time-ordered identifiers attachq hands out:
// file names for decrypted attachments on disk.
package ids

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// A single monotonic source keeps ids sortable even within one millisecond.
var (
	mu      sync.Mutex
	entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID string.
func New() (string, error) {
	mu.Lock()
	defer mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", fmt.Errorf("ids: %w", err)
	}
	return id.String(), nil
}

// MustNew is like New but panics on error. Use only in tests or init code.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether s is a well-formed ULID. Used to reject path
// traversal through attachment file names.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
