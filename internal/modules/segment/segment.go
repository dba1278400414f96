// Package segment registers example_module, which labels connected regions
// of a grayscale image. The loaded model is kept between calls, so repeated
// calls against one worker reuse it.
package segment

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/seantiz/tarn/internal/module"
)

// Path is the path callers import the module by.
const Path = "example_module.py"

// Model types and the foreground threshold each one applies.
var thresholds = map[string]float64{
	"cyto":   0.5,
	"nuclei": 0.3,
}

const defaultModelType = "cyto"

// Output receives progress lines. Inside a worker it is drained by the
// controller.
var Output io.Writer = os.Stdout

var (
	mu    sync.Mutex
	model *segmenter
	loads int
)

type segmenter struct {
	modelType string
	threshold float64
}

// Result is what segment returns.
type Result struct {
	Regions   int       `json:"regions"`
	Diameters []float64 `json:"diameters"`
	ModelType string    `json:"model_type"`
}

func init() {
	module.Register(New())
}

// New builds the module.
func New() *module.Module {
	return module.New(Path).
		Define("segment", segment).
		Define("model_info", modelInfo)
}

func loadModel(modelType string) (*segmenter, error) {
	mu.Lock()
	defer mu.Unlock()

	if model != nil && model.modelType == modelType {
		return model, nil
	}
	threshold, ok := thresholds[modelType]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q", modelType)
	}
	fmt.Fprintln(Output, "Loading model...")
	model = &segmenter{modelType: modelType, threshold: threshold}
	loads++
	return model, nil
}

// segment(image, model_type="cyto", threshold=None) labels the 4-connected
// regions above the model's threshold and returns their equivalent
// diameters.
func segment(ctx context.Context, call *module.Call) (any, error) {
	var image [][]float64
	if _, err := call.Param(0, "image", &image); err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image is empty")
	}
	width := len(image[0])
	for i, row := range image {
		if len(row) != width {
			return nil, fmt.Errorf("image row %d has %d pixels, want %d", i, len(row), width)
		}
	}

	modelType := defaultModelType
	if _, err := call.Param(1, "model_type", &modelType); err != nil {
		return nil, err
	}

	fmt.Fprintf(Output, "[[1/3]] Load model %s\n", modelType)
	m, err := loadModel(modelType)
	if err != nil {
		return nil, err
	}

	threshold := m.threshold
	if _, err := call.Param(2, "threshold", &threshold); err != nil {
		return nil, err
	}

	fmt.Fprintf(Output, "[[2/3]] Compute segmentation (%d, %d)\n", len(image), width)
	areas, err := label(ctx, image, threshold)
	if err != nil {
		return nil, err
	}

	fmt.Fprintln(Output, "[[3/3]] Measure regions")
	diameters := make([]float64, len(areas))
	for i, a := range areas {
		diameters[i] = 2 * math.Sqrt(float64(a)/math.Pi)
	}
	return Result{Regions: len(areas), Diameters: diameters, ModelType: modelType}, nil
}

// label returns the pixel area of each 4-connected foreground region in
// scan order.
func label(ctx context.Context, image [][]float64, threshold float64) ([]int, error) {
	h, w := len(image), len(image[0])
	seen := make([]bool, h*w)
	var areas []int
	var stack []int

	for start := range seen {
		if seen[start] || image[start/w][start%w] < threshold {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		area := 0
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++

			y, x := p/w, p%w
			for _, n := range [4][2]int{{y - 1, x}, {y + 1, x}, {y, x - 1}, {y, x + 1}} {
				ny, nx := n[0], n[1]
				if ny < 0 || ny >= h || nx < 0 || nx >= w {
					continue
				}
				q := ny*w + nx
				if !seen[q] && image[ny][nx] >= threshold {
					seen[q] = true
					stack = append(stack, q)
				}
			}
		}
		areas = append(areas, area)
	}
	return areas, nil
}

type info struct {
	ModelType string `json:"model_type,omitempty"`
	Loads     int    `json:"loads"`
}

func modelInfo(context.Context, *module.Call) (any, error) {
	mu.Lock()
	defer mu.Unlock()
	if model == nil {
		return info{Loads: loads}, nil
	}
	return info{ModelType: model.modelType, Loads: loads}, nil
}
