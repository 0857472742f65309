package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsUniqueAndOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.EqualValues(t, 7, first.Version())
	require.LessOrEqual(t, first.String(), second.String())
}

func TestParse(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)

	got, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = Parse("not-a-uuid")
	require.ErrorContains(t, err, "not-a-uuid")
}
