package instance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/docker/poolkit/pkg/spi/instance"
)

// idempotencyToken derives the client token submitted with a batched create
// call, so that re-submitting the same logical request after a crash does not
// create duplicate instances.  The token is order-independent over the id set
// and discriminated by the request expiration: re-deriving after changing the
// expiration yields a new token instead of colliding with an abandoned prior
// attempt.  EC2 limits client tokens to 64 characters; 32 hex digits keep
// plenty of entropy below that.
func idempotencyToken(ids []instance.VirtualID, validUntil time.Time) string {
	sorted := make([]string, len(ids))
	for i, id := range ids {
		sorted[i] = string(id)
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%d", validUntil.Unix())

	return hex.EncodeToString(h.Sum(nil))[:32]
}
