package ctxtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindAndLookup(t *testing.T) {
	m := NewManager()
	root := m.CreateRoot()

	c1 := m.Bind(root, 1, "a")
	c2 := m.Bind(c1, 2, "b")

	v, err := m.Lookup(c2, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	v, err = m.Lookup(c2, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = m.Lookup(c2, 99)
	assert.ErrorIs(t, err, ErrValueNotBound)
}

func TestLookupShadowing(t *testing.T) {
	m := NewManager()
	root := m.CreateRoot()
	c1 := m.Bind(root, 1, "first")
	c2 := m.Bind(c1, 1, "second")

	v, err := m.Lookup(c2, 1)
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	v, err = m.Lookup(c1, 1)
	require.NoError(t, err, "original ctx must stay valid")
	assert.Equal(t, "first", v)
}

func TestLookupMany(t *testing.T) {
	m := NewManager()
	root := m.CreateRoot()
	c1 := m.Bind(root, 1, "a")
	c2 := m.Bind(c1, 2, "b")
	c3 := m.Bind(c2, 3, "c")

	vals, err := m.LookupMany(c3, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, vals)

	_, err = m.LookupMany(c3, []int{1, 404})
	assert.ErrorIs(t, err, ErrValueNotBound)
}

func TestCompareAncestryAndSiblings(t *testing.T) {
	m := NewManager()
	root := m.CreateRoot()
	child := m.Bind(root, 1, "x")
	grandchild := m.Bind(child, 2, "y")

	assert.Equal(t, Less, m.Compare(root, child))
	assert.Equal(t, Greater, m.Compare(grandchild, child))
	assert.Equal(t, Equal, m.Compare(child, child))

	sibA := m.Bind(root, 1, "sibA")
	sibB := m.Bind(root, 1, "sibB")
	assert.Equal(t, Less, m.Compare(sibA, sibB), "siblings order by birth")
}

func TestReleaseCascadesOnlyWhenChildless(t *testing.T) {
	m := NewManager()
	root := m.CreateRoot()
	child := m.Bind(root, 1, "x")
	grandchild := m.Bind(child, 2, "y")

	m.Release(child)
	assert.True(t, m.Alive(child), "child should stay alive while grandchild is live")

	m.Release(grandchild)
	assert.False(t, m.Alive(grandchild), "grandchild should be reclaimed once released and childless")
	assert.False(t, m.Alive(child), "child should cascade-reclaim once its last child is gone")
	assert.True(t, m.Alive(root), "root was never released")
}

func TestManyDeepBindingsUseBinaryLifting(t *testing.T) {
	m := NewManager()
	cur := m.CreateRoot()
	for i := 1; i <= 200; i++ {
		cur = m.Bind(cur, i, i)
	}
	for i := 1; i <= 200; i++ {
		v, err := m.Lookup(cur, i)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}
