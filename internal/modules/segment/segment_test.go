package segment

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/tarn/internal/module"
)

func reset(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Output
	Output = &buf
	mu.Lock()
	model, loads = nil, 0
	mu.Unlock()
	t.Cleanup(func() { Output = prev })
	return &buf
}

func run(t *testing.T, name string, args []any, kwargs map[string]any) (any, error) {
	t.Helper()
	fn, ok := New().Lookup(name)
	require.True(t, ok)
	c, err := module.NewCall(args, kwargs)
	require.NoError(t, err)
	return fn(context.Background(), c)
}

var twoBlobs = [][]float64{
	{0.9, 0.9, 0, 0},
	{0.9, 0.9, 0, 0.4},
	{0, 0, 0, 0.4},
}

func TestSegmentCountsRegions(t *testing.T) {
	out := reset(t)

	got, err := run(t, "segment", []any{twoBlobs}, nil)
	require.NoError(t, err)

	res := got.(Result)
	assert.Equal(t, 1, res.Regions)
	assert.Equal(t, "cyto", res.ModelType)
	assert.InDelta(t, 2*math.Sqrt(4/math.Pi), res.Diameters[0], 1e-9)
	assert.Contains(t, out.String(), "Loading model...")
}

func TestSegmentModelTypeAndThreshold(t *testing.T) {
	reset(t)

	got, err := run(t, "segment", []any{twoBlobs}, map[string]any{"model_type": "nuclei"})
	require.NoError(t, err)
	assert.Equal(t, 2, got.(Result).Regions)

	got, err = run(t, "segment", []any{twoBlobs, "cyto"}, map[string]any{"threshold": 0.95})
	require.NoError(t, err)
	assert.Equal(t, 0, got.(Result).Regions)
}

func TestModelIsReused(t *testing.T) {
	reset(t)

	for range 3 {
		_, err := run(t, "segment", []any{twoBlobs}, nil)
		require.NoError(t, err)
	}
	got, err := run(t, "model_info", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, info{ModelType: "cyto", Loads: 1}, got)

	_, err = run(t, "segment", []any{twoBlobs, "nuclei"}, nil)
	require.NoError(t, err)
	got, err = run(t, "model_info", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, info{ModelType: "nuclei", Loads: 2}, got)
}

func TestSegmentRejectsBadInput(t *testing.T) {
	reset(t)

	_, err := run(t, "segment", []any{[][]float64{}}, nil)
	assert.ErrorContains(t, err, "empty")

	_, err = run(t, "segment", []any{[][]float64{{1, 1}, {1}}}, nil)
	assert.ErrorContains(t, err, "row 1")

	_, err = run(t, "segment", []any{twoBlobs, "bacteria"}, nil)
	assert.ErrorContains(t, err, "unknown model type")
}

func TestLabelHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := label(ctx, twoBlobs, 0.3)
	assert.ErrorIs(t, err, context.Canceled)
}
