package dedupset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(b byte) []byte {
	return []byte{b, b, b, b}
}

func TestInsertNewItemReturnsOK(t *testing.T) {
	s := New(10, 4)
	require.Equal(t, OK, s.Insert(item(1)))
	assert.Equal(t, 1, s.Len())
}

func TestInsertDuplicateReturnsExists(t *testing.T) {
	s := New(10, 4)
	require.Equal(t, OK, s.Insert(item(1)))
	require.Equal(t, Exists, s.Insert(item(1)))
	assert.Equal(t, 1, s.Len())
}

func TestInsertKTimesYieldsOneOKAndKMinusOneExists(t *testing.T) {
	s := New(10, 4)
	const k = 5
	for i := 0; i < k; i++ {
		r := s.Insert(item(7))
		if i == 0 {
			assert.Equal(t, OK, r)
		} else {
			assert.Equal(t, Exists, r)
		}
	}
	assert.Equal(t, 1, s.Len())
}

func TestFillToCapacityThenFull(t *testing.T) {
	const n = 4
	s := New(n, 1)
	for i := 0; i < n; i++ {
		r := s.Insert([]byte{byte(i)})
		assert.Equal(t, OK, r, "item %d", i)
	}
	assert.Equal(t, n, s.Len())

	// The (N+1)-th distinct item yields FULL.
	assert.Equal(t, Full, s.Insert([]byte{99}))
	assert.Equal(t, n, s.Len())

	// A duplicate among the first N still yields EXISTS even though full.
	assert.Equal(t, Exists, s.Insert([]byte{0}))
	assert.Equal(t, n, s.Len())
}

func TestClearThenInsertMatchesFreshSet(t *testing.T) {
	s := New(8, 4)
	require.Equal(t, OK, s.Insert(item(1)))
	require.Equal(t, OK, s.Insert(item(2)))
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, OK, s.Insert(item(9)))
	assert.Equal(t, 1, s.Len())

	fresh := New(8, 4)
	assert.Equal(t, OK, fresh.Insert(item(9)))
	assert.Equal(t, s.Len(), fresh.Len())
}

func TestClearDoesNotScrubStorage(t *testing.T) {
	s := New(4, 1)
	require.Equal(t, OK, s.Insert([]byte{42}))
	s.Clear()
	// The storage region is untouched; only the bitmap and length reset.
	assert.Equal(t, byte(42), s.table[jenkinsHash([]byte{42})%4])
	assert.Equal(t, 0, s.Len())
}

func TestIteratorWalksOccupiedSlotsOnly(t *testing.T) {
	s := New(8, 4)
	want := map[byte]bool{}
	for _, b := range []byte{3, 9, 200} {
		require.Equal(t, OK, s.Insert(item(b)))
		want[b] = true
	}

	it := s.Iterator()
	got := map[byte]bool{}
	count := 0
	for v := it.Next(); v != nil; v = it.Next() {
		count++
		got[v[0]] = true
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, want, got)
}

func TestIteratorIsRestartable(t *testing.T) {
	s := New(8, 4)
	require.Equal(t, OK, s.Insert(item(1)))

	it1 := s.Iterator()
	assert.NotNil(t, it1.Next())
	assert.Nil(t, it1.Next())

	it2 := s.Iterator()
	assert.NotNil(t, it2.Next())
}

func TestJenkinsHashIsDeterministic(t *testing.T) {
	data := []byte{0x30, 0x00, 0x01, 0x02, 0x03}
	assert.Equal(t, jenkinsHash(data), jenkinsHash(data))

	other := []byte{0x30, 0x00, 0x01, 0x02, 0x04}
	assert.NotEqual(t, jenkinsHash(data), jenkinsHash(other))
}

func TestInsertPanicsOnWrongWidth(t *testing.T) {
	s := New(4, 4)
	assert.Panics(t, func() { s.Insert([]byte{1, 2, 3}) })
}

func TestNewPanicsOnZeroWidth(t *testing.T) {
	assert.Panics(t, func() { New(10, 0) })
}

func TestOverflowInDedupSetWithCapacity4(t *testing.T) {
	// Seed scenario 6: N=4, inserting 5 distinct items yields
	// OK, OK, OK, OK, FULL and L remains 4.
	s := New(4, 1)
	results := make([]Result, 5)
	for i := 0; i < 5; i++ {
		results[i] = s.Insert([]byte{byte(i)})
	}
	assert.Equal(t, []Result{OK, OK, OK, OK, Full}, results)
	assert.Equal(t, 4, s.Len())
}
