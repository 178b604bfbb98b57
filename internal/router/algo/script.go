package algo

import (
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/schema"
)

// AlgoScript is the registry name for JavaScript-defined slicers.
const AlgoScript = schema.AlgoScript

const scriptBudget = 100 * time.Millisecond

// Script runs a user-supplied JavaScript slicer inside a goja VM. The script
// must define slice(total, params) and return an array of objects with a
// quantity and an optional delay_ms and display.
//
// Scripts are pure functions over their inputs: no host access is exposed,
// and execution is interrupted past the budget.
type Script struct{}

// Name returns the algorithm identifier.
func (Script) Name() schema.ExecAlgorithm { return AlgoScript }

// Slice compiles and runs the script from params["script"].
func (Script) Slice(total decimal.Decimal, params map[string]any) ([]Slice, error) {
	source, ok := params["script"].(string)
	if !ok || source == "" {
		return nil, errs.Malformed("script algorithm requires a script parameter")
	}

	vm := goja.New()
	timer := time.AfterFunc(scriptBudget, func() {
		vm.Interrupt("slice script exceeded budget")
	})
	defer timer.Stop()

	if _, err := vm.RunString(source); err != nil {
		return nil, errs.Malformed("script compile: " + err.Error())
	}
	sliceFn, ok := goja.AssertFunction(vm.Get("slice"))
	if !ok {
		return nil, errs.Malformed("script must define slice(total, params)")
	}

	totalF, _ := total.Float64()
	result, err := sliceFn(goja.Undefined(), vm.ToValue(totalF), vm.ToValue(scriptParams(params)))
	if err != nil {
		return nil, errs.Malformed("script run: " + err.Error())
	}

	var raw []map[string]any
	if err := vm.ExportTo(result, &raw); err != nil {
		return nil, errs.Malformed("script must return an array of slices")
	}
	out := make([]Slice, 0, len(raw))
	for _, item := range raw {
		qty, err := decimalParam(item, "quantity")
		if err != nil {
			return nil, err
		}
		slice := Slice{
			Quantity: qty,
			Delay:    time.Duration(intParam(item, "delay_ms", 0)) * time.Millisecond,
		}
		if display, err := decimalParam(item, "display"); err == nil {
			slice.Display = display
		}
		out = append(out, slice)
	}
	return out, nil
}

// scriptParams strips the script source itself from what the script sees.
func scriptParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "script" {
			continue
		}
		out[k] = v
	}
	return out
}
