package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a time-sortable ULID encoded as a 26-character string.
// Envelope ids use ULIDs so that ids created on the same process sort in
// creation order.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewServerID returns a process identity of the form "server-xxxxxxxx".
// The suffix is the first eight characters of a random UUID, which is short
// enough to use as a broker queue suffix.
func NewServerID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "server-" + raw[:8]
}
