// Package algo slices routed orders into child executions. Slicers run after
// venue selection: they decide quantity and pacing, never the venue.
package algo

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/schema"
)

// Slice is one child execution of a sliced order.
type Slice struct {
	Quantity decimal.Decimal
	Delay    time.Duration
	Display  decimal.Decimal
}

// Slicer plans child executions for a total quantity.
type Slicer interface {
	Name() schema.ExecAlgorithm
	Slice(total decimal.Decimal, params map[string]any) ([]Slice, error)
}

// Registry resolves slicers by algorithm name. NORMAL always resolves to a
// pass-through single slice.
type Registry struct {
	slicers map[schema.ExecAlgorithm]Slicer
}

// NewRegistry builds a registry with the built-in slicers installed.
func NewRegistry() *Registry {
	r := &Registry{slicers: make(map[schema.ExecAlgorithm]Slicer)}
	r.Register(TWAP{})
	r.Register(VWAP{})
	r.Register(Iceberg{})
	r.Register(Script{})
	return r
}

// Register installs a slicer under its own name.
func (r *Registry) Register(s Slicer) {
	r.slicers[s.Name()] = s
}

// Plan slices the total quantity with the named algorithm.
func (r *Registry) Plan(name schema.ExecAlgorithm, total decimal.Decimal, params map[string]any) ([]Slice, error) {
	if name == "" || name == schema.AlgoNormal {
		return []Slice{{Quantity: total}}, nil
	}
	slicer, ok := r.slicers[name]
	if !ok {
		return nil, errs.Malformed("unknown execution algorithm: " + string(name))
	}
	slices, err := slicer.Slice(total, params)
	if err != nil {
		return nil, err
	}
	return normalize(total, slices)
}

// normalize drops non-positive slices and pins the sum to the total so
// rounding in a slicer can never over- or under-execute.
func normalize(total decimal.Decimal, slices []Slice) ([]Slice, error) {
	out := make([]Slice, 0, len(slices))
	sum := decimal.Zero
	for _, s := range slices {
		if !s.Quantity.IsPositive() {
			continue
		}
		sum = sum.Add(s.Quantity)
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errs.Malformed("algorithm produced no executable slices")
	}
	diff := total.Sub(sum)
	if !diff.IsZero() {
		last := &out[len(out)-1]
		adjusted := last.Quantity.Add(diff)
		if !adjusted.IsPositive() {
			return nil, errs.Malformed("algorithm slice total exceeds order quantity")
		}
		last.Quantity = adjusted
	}
	return out, nil
}

// TWAP splits the quantity into equal child orders spaced evenly over a
// duration. Params: slices (int, default 4), duration_ms (int, default 60000).
type TWAP struct{}

// Name returns the algorithm identifier.
func (TWAP) Name() schema.ExecAlgorithm { return schema.AlgoTWAP }

// Slice produces equal slices with even pacing.
func (TWAP) Slice(total decimal.Decimal, params map[string]any) ([]Slice, error) {
	n := intParam(params, "slices", 4)
	if n < 1 {
		return nil, errs.Malformed("twap requires at least one slice")
	}
	duration := time.Duration(intParam(params, "duration_ms", 60000)) * time.Millisecond
	interval := time.Duration(0)
	if n > 1 {
		interval = duration / time.Duration(n-1)
	}
	each := total.Div(decimal.NewFromInt(int64(n))).Round(18)
	out := make([]Slice, n)
	for i := range out {
		out[i] = Slice{Quantity: each, Delay: time.Duration(i) * interval}
	}
	return out, nil
}

// VWAP splits the quantity proportional to a volume curve. Params:
// curve ([]float64 weights, default a flat curve of 4 buckets),
// duration_ms (int, default 60000).
type VWAP struct{}

// Name returns the algorithm identifier.
func (VWAP) Name() schema.ExecAlgorithm { return schema.AlgoVWAP }

// Slice produces weight-proportional slices with even pacing.
func (VWAP) Slice(total decimal.Decimal, params map[string]any) ([]Slice, error) {
	weights := floatSliceParam(params, "curve", []float64{1, 1, 1, 1})
	if len(weights) == 0 {
		return nil, errs.Malformed("vwap requires a volume curve")
	}
	duration := time.Duration(intParam(params, "duration_ms", 60000)) * time.Millisecond
	interval := time.Duration(0)
	if len(weights) > 1 {
		interval = duration / time.Duration(len(weights)-1)
	}

	sum := decimal.Zero
	decs := make([]decimal.Decimal, len(weights))
	for i, w := range weights {
		if w < 0 {
			return nil, errs.Malformed("vwap curve weights must be non-negative")
		}
		decs[i] = decimal.NewFromFloat(w)
		sum = sum.Add(decs[i])
	}
	if sum.IsZero() {
		return nil, errs.Malformed("vwap curve must have positive mass")
	}

	out := make([]Slice, 0, len(weights))
	for i, w := range decs {
		qty := total.Mul(w).Div(sum).Round(18)
		out = append(out, Slice{Quantity: qty, Delay: time.Duration(i) * interval})
	}
	return out, nil
}

// Iceberg reveals the order in fixed display clips. Params:
// display (string decimal, required), delay_ms between clips (default 0).
type Iceberg struct{}

// Name returns the algorithm identifier.
func (Iceberg) Name() schema.ExecAlgorithm { return schema.AlgoIceberg }

// Slice produces display-sized clips until the quantity is exhausted.
func (Iceberg) Slice(total decimal.Decimal, params map[string]any) ([]Slice, error) {
	display, err := decimalParam(params, "display")
	if err != nil {
		return nil, err
	}
	if !display.IsPositive() {
		return nil, errs.Malformed("iceberg requires a positive display quantity")
	}
	delay := time.Duration(intParam(params, "delay_ms", 0)) * time.Millisecond

	out := make([]Slice, 0)
	remaining := total
	for i := 0; remaining.IsPositive(); i++ {
		qty := decimal.Min(display, remaining)
		out = append(out, Slice{Quantity: qty, Delay: time.Duration(i) * delay, Display: display})
		remaining = remaining.Sub(qty)
	}
	return out, nil
}

func intParam(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func floatSliceParam(params map[string]any, key string, fallback []float64) []float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok {
				return fallback
			}
			out = append(out, f)
		}
		return out
	}
	return fallback
}

func decimalParam(params map[string]any, key string) (decimal.Decimal, error) {
	if params == nil {
		return decimal.Zero, errs.Malformed("missing parameter: " + key)
	}
	switch v := params[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, errs.Malformed("parameter " + key + ": " + err.Error())
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	}
	return decimal.Zero, errs.Malformed("missing parameter: " + key)
}
