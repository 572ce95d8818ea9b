package ports

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	_, err = New(80, 81, 80)
	assert.ErrorContains(t, err, "duplicate")

	_, err = New(0)
	assert.Error(t, err)

	r, err := New(80, 81)
	require.NoError(t, err)
	assert.Equal(t, 80, r.Current())
	assert.Equal(t, "http://127.0.0.1:80", r.Address())
}

func TestNew_CopiesInput(t *testing.T) {
	in := []int{80, 81, 82}
	r, err := New(in...)
	require.NoError(t, err)
	in[0] = 99
	assert.Equal(t, []int{80, 81, 82}, r.Ports())
}

func TestReorder_PromotesTarget(t *testing.T) {
	r, err := New(80, 81, 82)
	require.NoError(t, err)

	require.NoError(t, r.Reorder(81))
	assert.Equal(t, []int{81, 80, 82}, r.Ports())
	assert.Equal(t, 81, r.Current())
}

func TestReorder_RemainderKeepsOriginalOrder(t *testing.T) {
	orig := []int{10, 20, 30, 40, 50}
	for _, target := range orig {
		r, err := New(orig...)
		require.NoError(t, err)
		require.NoError(t, r.Reorder(target))

		got := r.Ports()
		assert.Equal(t, target, got[0])
		var rest []int
		for _, p := range orig {
			if p != target {
				rest = append(rest, p)
			}
		}
		assert.Equal(t, rest, got[1:], "target %d", target)
	}
}

func TestReorder_SingleIsNoop(t *testing.T) {
	r, err := New(11111)
	require.NoError(t, err)
	require.NoError(t, r.Reorder(11111))
	assert.Equal(t, []int{11111}, r.Ports())
	assert.Equal(t, 11111, r.Next())
}

func TestReorder_NotFound(t *testing.T) {
	r, err := New(80, 81)
	require.NoError(t, err)
	err = r.Reorder(99)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, []int{80, 81}, r.Ports())
}

func TestReorder_Composable(t *testing.T) {
	r, err := New(1, 2, 3)
	require.NoError(t, err)
	require.NoError(t, r.Reorder(1))
	require.NoError(t, r.Reorder(2))
	require.NoError(t, r.Reorder(3))
	assert.Equal(t, []int{3, 2, 1}, r.Ports())

	require.NoError(t, r.Reorder(1))
	got := r.Ports()
	assert.Equal(t, 1, got[0])
	assert.ElementsMatch(t, []int{2, 3}, got[1:])
}

func TestNext(t *testing.T) {
	r, err := New(80, 81, 82)
	require.NoError(t, err)
	assert.Equal(t, 81, r.Next())
	require.NoError(t, r.Reorder(82))
	assert.Equal(t, 80, r.Next())
}
