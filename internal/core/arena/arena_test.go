package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmplaceGet(t *testing.T) {
	a := New[string](4)
	h1 := a.Emplace("a")
	h2 := a.Emplace("b")

	require.False(t, h1.IsZero())
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, a.Len())

	v, ok := a.Get(h2)
	require.True(t, ok)
	assert.Equal(t, "b", *v)

	_, ok = a.Get(Handle(0))
	assert.False(t, ok)
}

func TestRemoveReusesSlot(t *testing.T) {
	a := New[int](4)
	h1 := a.Emplace(10)
	require.True(t, a.Remove(h1))
	assert.False(t, a.Remove(h1), "double remove must be rejected")
	assert.Equal(t, 0, a.Len())

	h2 := a.Emplace(20)
	assert.Equal(t, h1.Index(), h2.Index(), "slot should be recycled")
	assert.NotEqual(t, h1.Generation(), h2.Generation())
}

func TestStaleHandleNeverAddressesNewValue(t *testing.T) {
	a := New[string](1)
	old := a.Emplace("old")
	a.Remove(old)
	fresh := a.Emplace("fresh")

	_, ok := a.Get(old)
	assert.False(t, ok)
	assert.False(t, a.Alive(old))

	v, ok := a.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, "fresh", *v)
}

func TestEach(t *testing.T) {
	a := New[int](8)
	var hs []Handle
	for i := 0; i < 5; i++ {
		hs = append(hs, a.Emplace(i))
	}
	a.Remove(hs[1])
	a.Remove(hs[3])

	var got []int
	a.Each(func(h Handle, v *int) {
		assert.True(t, a.Alive(h))
		got = append(got, *v)
	})
	assert.Equal(t, []int{0, 2, 4}, got)
}
