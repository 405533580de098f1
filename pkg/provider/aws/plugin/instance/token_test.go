package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docker/poolkit/pkg/spi/instance"
)

func TestIdempotencyTokenDeterministic(t *testing.T) {
	until := time.Unix(1700000000, 0)
	ids := []instance.VirtualID{"vm-0", "vm-1", "vm-2"}

	first := idempotencyToken(ids, until)
	second := idempotencyToken(ids, until)
	require.Equal(t, first, second)
	require.Len(t, first, 32)
}

func TestIdempotencyTokenOrderIndependent(t *testing.T) {
	until := time.Unix(1700000000, 0)
	require.Equal(t,
		idempotencyToken([]instance.VirtualID{"vm-0", "vm-1", "vm-2"}, until),
		idempotencyToken([]instance.VirtualID{"vm-2", "vm-0", "vm-1"}, until))
}

func TestIdempotencyTokenDiscriminates(t *testing.T) {
	until := time.Unix(1700000000, 0)
	base := idempotencyToken([]instance.VirtualID{"vm-0", "vm-1"}, until)

	require.NotEqual(t, base, idempotencyToken([]instance.VirtualID{"vm-0", "vm-2"}, until))
	require.NotEqual(t, base, idempotencyToken([]instance.VirtualID{"vm-0"}, until))
	require.NotEqual(t, base, idempotencyToken([]instance.VirtualID{"vm-0", "vm-1"}, until.Add(time.Second)))

	// The separator keeps concatenations of different id boundaries apart.
	require.NotEqual(t,
		idempotencyToken([]instance.VirtualID{"ab", "c"}, until),
		idempotencyToken([]instance.VirtualID{"a", "bc"}, until))
}
