package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGenerator_NewRawID(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	a, err := gen.NewRawID()
	require.NoError(t, err)
	require.NotEqual(t, guuid.Nil, a)
	require.Equal(t, guuid.Version(7), a.Version())

	b, err := gen.NewRawID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestGenerator_NewID(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	s, err := gen.NewID()
	require.NoError(t, err)
	_, err = guuid.Parse(s)
	require.NoError(t, err)
}
