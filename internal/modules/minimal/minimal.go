// Package minimal registers minimal_module, a small numeric module used by
// the getting-started flow and the end-to-end tests.
package minimal

import (
	"context"
	"errors"
	"math"

	"github.com/seantiz/tarn/internal/module"
)

// Path is the path callers import the module by.
const Path = "minimal_module.py"

// ErrEmpty is returned by functions that need at least one value.
var ErrEmpty = errors.New("no values given")

func init() {
	module.Register(New())
}

// New builds the module. Register adds it to the default registry at init.
func New() *module.Module {
	return module.New(Path).
		Define("sum", sum).
		Define("mean", mean).
		Define("scale", scale).
		Import("fsum", fsum)
}

func values(call *module.Call) ([]float64, error) {
	var v []float64
	if _, err := call.Param(0, "values", &v); err != nil {
		return nil, err
	}
	return v, nil
}

func sum(_ context.Context, call *module.Call) (any, error) {
	v, err := values(call)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, x := range v {
		total += x
	}
	return total, nil
}

func mean(ctx context.Context, call *module.Call) (any, error) {
	v, err := values(call)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, ErrEmpty
	}
	total, _ := sum(ctx, call)
	return total.(float64) / float64(len(v)), nil
}

// scale multiplies every value by factor, which defaults to 1.
func scale(_ context.Context, call *module.Call) (any, error) {
	v, err := values(call)
	if err != nil {
		return nil, err
	}
	factor := 1.0
	if _, err := call.Param(1, "factor", &factor); err != nil {
		return nil, err
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * factor
	}
	return out, nil
}

// fsum is a compensated sum. It is re-exported, so it can be called but is
// not listed among the module's functions.
func fsum(_ context.Context, call *module.Call) (any, error) {
	v, err := values(call)
	if err != nil {
		return nil, err
	}
	var total, c float64
	for _, x := range v {
		t := total + x
		if math.Abs(total) >= math.Abs(x) {
			c += (total - t) + x
		} else {
			c += (x - t) + total
		}
		total = t
	}
	return total + c, nil
}
