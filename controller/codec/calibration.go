package codec

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Calibration is a compiled per-sensor transform over the decoded variable `value`.
// The zero value is the identity.
type Calibration struct {
	src  string
	expr *govaluate.EvaluableExpression
}

// NewCalibration compiles src, an expression over the variable value.
// An empty src is the identity.
func NewCalibration(src string) (Calibration, error) {
	if src == "" {
		return Calibration{}, nil
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return Calibration{}, fmt.Errorf("calibration %q: %w", src, err)
	}
	for _, v := range expr.Vars() {
		if v != "value" {
			return Calibration{}, fmt.Errorf("calibration %q: unknown variable %q", src, v)
		}
	}
	return Calibration{src: src, expr: expr}, nil
}

func (c Calibration) String() string {
	return c.src
}

// Apply evaluates the expression for one channel.
func (c Calibration) Apply(v float64) (float64, error) {
	if c.expr == nil {
		return v, nil
	}
	out, err := c.expr.Evaluate(map[string]interface{}{"value": v})
	if err != nil {
		return 0, fmt.Errorf("calibration %q: %w", c.src, err)
	}
	f, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("calibration %q: non numeric result %v", c.src, out)
	}
	return f, nil
}

// ApplyAll transforms every channel.
func (c Calibration) ApplyAll(vs []float64) ([]float64, error) {
	out := make([]float64, len(vs))
	for i, v := range vs {
		f, err := c.Apply(v)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
