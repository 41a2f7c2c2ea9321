package ordermap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intLess(a, b int) bool { return a < b }

func TestMapInsertGetDelete(t *testing.T) {
	m := New[int, string](intLess)
	require.Equal(t, 0, m.Len())

	_, replaced := m.Insert(5, "five")
	require.False(t, replaced)
	_, replaced = m.Insert(5, "FIVE")
	require.True(t, replaced)

	v, ok := m.Get(5)
	require.True(t, ok)
	require.Equal(t, "FIVE", v)

	_, ok = m.Get(6)
	require.False(t, ok)

	removed, ok := m.Delete(5)
	require.True(t, ok)
	require.Equal(t, "FIVE", removed)
	require.Equal(t, 0, m.Len())
}

func TestMapAscendOrder(t *testing.T) {
	m := New[int, int](intLess)
	for _, k := range []int{5, 1, 3, 2, 4} {
		m.Insert(k, k*10)
	}

	var got []int
	m.Ascend(func(k, v int) bool {
		got = append(got, k)
		return true
	})
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestMapClosest(t *testing.T) {
	m := New[int, string](intLess)
	m.Insert(10, "ten")
	m.Insert(20, "twenty")
	m.Insert(30, "thirty")

	k, v, dir, ok := m.Closest(20)
	require.True(t, ok)
	require.Equal(t, Exact, dir)
	require.Equal(t, 20, k)
	require.Equal(t, "twenty", v)

	k, v, dir, ok = m.Closest(15)
	require.True(t, ok)
	require.Equal(t, Greater, dir)
	require.Equal(t, 20, k)
	require.Equal(t, "twenty", v)

	k, v, dir, ok = m.Closest(35)
	require.True(t, ok)
	require.Equal(t, Smaller, dir)
	require.Equal(t, 30, k)
	require.Equal(t, "thirty", v)

	empty := New[int, string](intLess)
	_, _, _, ok = empty.Closest(1)
	require.False(t, ok)
}

func TestMapDeleteDuringTraversal(t *testing.T) {
	m := New[int, int](intLess)
	for i := 0; i < 10; i++ {
		m.Insert(i, i)
	}

	// Delete every even key while iterating; the successor must already
	// be captured so deleting the current entry can't disturb the walk.
	m.DeleteDuring(func(k, v int) {
		if k%2 == 0 {
			m.Delete(k)
		}
	})

	require.Equal(t, 5, m.Len())
	for i := 1; i < 10; i += 2 {
		_, ok := m.Get(i)
		require.True(t, ok)
	}
	for i := 0; i < 10; i += 2 {
		_, ok := m.Get(i)
		require.False(t, ok)
	}
}

func TestMapKeysSorted(t *testing.T) {
	m := New[int, struct{}](intLess)
	for _, k := range []int{3, 1, 2} {
		m.Insert(k, struct{}{})
	}
	require.Equal(t, []int{1, 2, 3}, m.Keys())
}
