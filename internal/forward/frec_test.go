package forward

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_GetNew_GrowsThenRefusesAtCapacity(t *testing.T) {
	tbl := NewTable(2, time.Minute, time.Second, nil)

	r1 := tbl.GetNew(time.Now())
	require.NotNil(t, r1)
	r1.NewID = 111

	r2 := tbl.GetNew(time.Now())
	require.NotNil(t, r2)
	r2.NewID = 222

	assert.Equal(t, 2, tbl.Live())

	r3 := tbl.GetNew(time.Now())
	assert.Nil(t, r3, "table at capacity with both slots live and fresh should refuse allocation")
}

func TestTable_GetNew_ReusesFreedSlot(t *testing.T) {
	tbl := NewTable(1, time.Minute, time.Second, nil)

	r1 := tbl.GetNew(time.Now())
	require.NotNil(t, r1)
	r1.NewID = 1

	tbl.Free(r1)

	r2 := tbl.GetNew(time.Now())
	require.NotNil(t, r2)
	assert.Same(t, r1, r2, "a freed slot must be reused before growing the slab")
}

func TestTable_GetNew_AbandonsStaleRecordUnderPressure(t *testing.T) {
	tbl := NewTable(1, time.Millisecond, time.Second, nil)

	past := time.Now().Add(-time.Hour)
	r1 := tbl.GetNew(past)
	require.NotNil(t, r1)
	r1.NewID = 1

	r2 := tbl.GetNew(time.Now())
	require.NotNil(t, r2)
	assert.Same(t, r1, r2)
	assert.Equal(t, uint64(1), tbl.Abandoned)
}

func TestTable_LookupByNew(t *testing.T) {
	tbl := NewTable(4, time.Minute, time.Second, nil)

	r := tbl.GetNew(time.Now())
	r.NewID = 42

	assert.Same(t, r, tbl.LookupByNew(42))
	assert.Nil(t, tbl.LookupByNew(43))
	assert.Nil(t, tbl.LookupByNew(0), "ID zero must never resolve to a live record")
}

func TestTable_LookupBySender(t *testing.T) {
	tbl := NewTable(4, time.Minute, time.Second, nil)
	src := netip.MustParseAddrPort("192.0.2.1:5000")

	r := tbl.GetNew(time.Now())
	r.OrigID = 7
	r.NewID = 900
	r.Source = src

	assert.Same(t, r, tbl.LookupBySender(7, src))
	assert.Nil(t, tbl.LookupBySender(8, src))
}

func TestTable_AllocateID_NeverCollidesWithLive(t *testing.T) {
	tbl := NewTable(4, time.Minute, time.Second, nil)

	live := make(map[uint16]bool)
	for i := 0; i < 3; i++ {
		r := tbl.GetNew(time.Now())
		require.NotNil(t, r)
		id := tbl.AllocateID()
		require.False(t, live[id], "AllocateID must not return an ID already held by a live record")
		r.NewID = id
		live[id] = true
	}
}

func TestTable_Reset(t *testing.T) {
	tbl := NewTable(2, time.Minute, time.Second, nil)
	r := tbl.GetNew(time.Now())
	r.NewID = 55

	tbl.Reset()

	assert.Equal(t, 0, tbl.Live())
}
