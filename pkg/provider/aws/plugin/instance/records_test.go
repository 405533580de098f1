package instance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docker/poolkit/pkg/spi/instance"
)

func TestRecordProgressIsMonotonic(t *testing.T) {
	rec := &record{virtualID: "vm-0"}

	rec.assignRequest("sir-1")
	rec.assignRequest("sir-2")
	require.Equal(t, "sir-1", rec.requestID)

	rec.assignInstance("i-1")
	rec.assignInstance("i-2")
	require.Equal(t, "i-1", rec.instanceID)

	rec.assignAddress("10.0.0.1")
	rec.assignAddress("10.0.0.2")
	require.Equal(t, "10.0.0.1", rec.privateIP)

	// Blank observations never erase progress.
	rec.assignRequest("")
	rec.assignInstance("")
	rec.assignAddress("")
	require.Equal(t, "sir-1", rec.requestID)
	require.Equal(t, "i-1", rec.instanceID)
	require.Equal(t, "10.0.0.1", rec.privateIP)
}

func TestRecordTaggedRequiresObject(t *testing.T) {
	rec := &record{virtualID: "vm-0"}
	rec.markRequestTagged()
	rec.markTagged()
	require.False(t, rec.requestTagged)
	require.False(t, rec.tagged)

	rec.assignRequest("sir-1")
	rec.markRequestTagged()
	require.True(t, rec.requestTagged)

	rec.assignInstance("i-1")
	rec.markTagged()
	require.True(t, rec.tagged)
}

func TestRecordReady(t *testing.T) {
	rec := &record{virtualID: "vm-0"}
	require.False(t, rec.ready())

	rec.assignInstance("i-1")
	rec.assignAddress("10.0.0.1")
	require.True(t, rec.ready())

	rec.markGone()
	require.False(t, rec.ready())
}

func TestRecordAddressRequiresInstance(t *testing.T) {
	rec := &record{virtualID: "vm-0"}
	rec.assignAddress("10.0.0.1")
	require.Empty(t, rec.privateIP)
}

func TestRecordStoreDeduplicatesAndKeepsOrder(t *testing.T) {
	s := newRecordStore([]instance.VirtualID{"b", "a", "b", "c"})
	require.Equal(t, []instance.VirtualID{"b", "a", "c"}, s.virtualIDs())
	require.Len(t, s.all(), 3)
	require.Same(t, s.get("a"), s.all()[1])
}

func TestRecordStoreSelectors(t *testing.T) {
	s := newRecordStore([]instance.VirtualID{"a", "b", "c", "d", "e"})

	// a: fully ready.  b: request pending.  c: abandoned.  d: terminal.
	// e: untouched.
	a := s.get("a")
	a.assignRequest("sir-a")
	a.assignInstance("i-a")
	a.markTagged()
	a.assignAddress("10.0.0.1")

	b := s.get("b")
	b.assignRequest("sir-b")

	c := s.get("c")
	c.assignRequest("sir-c")
	c.abandoned = true

	d := s.get("d")
	d.assignRequest("sir-d")
	d.terminal = true

	require.Equal(t, []instance.VirtualID{"e"}, s.unrequested())
	require.Equal(t, []string{"sir-b"}, s.pollableRequestIDs())
	require.Equal(t, []string{"sir-b", "sir-c"}, s.unresolvedRequestIDs())
	require.Equal(t, []string{"i-a"}, s.instanceIDs())
	require.Empty(t, s.awaitingAddress())

	ready := s.ready()
	require.Len(t, ready, 1)
	require.Equal(t, instance.VirtualID("a"), ready[0].virtualID)

	require.Same(t, b, s.byRequest("sir-b"))
	require.Nil(t, s.byRequest("sir-zzz"))
	require.Same(t, a, s.byInstance("i-a"))
	require.Nil(t, s.byInstance("i-zzz"))
}

func TestRecordStoreAwaitingAddress(t *testing.T) {
	s := newRecordStore([]instance.VirtualID{"a", "b"})

	a := s.get("a")
	a.assignRequest("sir-a")
	a.assignInstance("i-a")
	a.markTagged()

	// Untagged instances are not awaited; tagging has to finish first.
	b := s.get("b")
	b.assignRequest("sir-b")
	b.assignInstance("i-b")

	require.Equal(t, []string{"i-a"}, s.awaitingAddress())

	a.markGone()
	require.Empty(t, s.awaitingAddress())
}
