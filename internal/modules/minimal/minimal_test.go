package minimal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/tarn/internal/module"
)

func call(t *testing.T, name string, args []any, kwargs map[string]any) (any, error) {
	t.Helper()
	fn, ok := New().Lookup(name)
	require.True(t, ok, "function %s not found", name)
	c, err := module.NewCall(args, kwargs)
	require.NoError(t, err)
	return fn(context.Background(), c)
}

func TestRegistered(t *testing.T) {
	m, err := module.Default.Resolve("examples/" + Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"mean", "scale", "sum"}, m.Functions())
}

func TestSum(t *testing.T) {
	got, err := call(t, "sum", []any{[]int{1, 2, 3}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6.0, got)

	got, err = call(t, "sum", nil, map[string]any{"values": []float64{}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestMean(t *testing.T) {
	got, err := call(t, "mean", []any{[]float64{1, 2, 3, 4}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	_, err = call(t, "mean", []any{[]float64{}}, nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestScale(t *testing.T) {
	got, err := call(t, "scale", []any{[]float64{1, 2}}, map[string]any{"factor": 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 6}, got)

	got, err = call(t, "scale", []any{[]float64{1, 2}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, got)
}

func TestFsumIsImported(t *testing.T) {
	got, err := call(t, "fsum", []any{[]float64{1e16, 1, -1e16}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
	assert.NotContains(t, New().Functions(), "fsum")
}

func TestSumRejectsBadArgument(t *testing.T) {
	_, err := call(t, "sum", []any{"not a list"}, nil)
	assert.Error(t, err)
}
