package nwse

import (
	"fmt"
	"math"
	"sort"
)

// HandlerFunction derives one feature value from the values of a handler's inputs.
type HandlerFunction func(inputs []float64) float64

// HandlerFunctions maps function names to the actual handler functions.
var HandlerFunctions = map[string]HandlerFunction{
	"sum":     HandleSum,
	"diff":    HandleDiff,
	"product": HandleProduct,
	"min":     HandleMin,
	"max":     HandleMax,
	"mean":    HandleMean,
	"median":  Median,
	"maxabs":  HandleMaxAbs,
	"average": HandleMean, // Alias for mean
}

// GetHandlerFunction retrieves a handler function by name.
func GetHandlerFunction(name string) (HandlerFunction, error) {
	if fn, ok := HandlerFunctions[name]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("unknown handler function: %s", name)
}

// HandlerFunctionNames lists the registered names in sorted order.
func HandlerFunctionNames() []string {
	names := make([]string, 0, len(HandlerFunctions))
	for name := range HandlerFunctions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleSum calculates the sum of the inputs.
func HandleSum(inputs []float64) float64 {
	return Sum(inputs)
}

// HandleDiff subtracts every later input from the first one.
func HandleDiff(inputs []float64) float64 {
	if len(inputs) == 0 {
		return 0.0
	}
	d := inputs[0]
	for _, v := range inputs[1:] {
		d -= v
	}
	return d
}

// HandleProduct calculates the product of the inputs.
func HandleProduct(inputs []float64) float64 {
	if len(inputs) == 0 {
		return 0.0
	}
	product := 1.0
	for _, v := range inputs {
		product *= v
	}
	return product
}

// HandleMin finds the minimum value among the inputs.
func HandleMin(inputs []float64) float64 {
	if len(inputs) == 0 {
		return 0.0
	}
	return MinFloat(inputs)
}

// HandleMax finds the maximum value among the inputs.
func HandleMax(inputs []float64) float64 {
	if len(inputs) == 0 {
		return 0.0
	}
	return MaxFloat(inputs)
}

// HandleMean calculates the average of the inputs.
func HandleMean(inputs []float64) float64 {
	if len(inputs) == 0 {
		return 0.0
	}
	return Mean(inputs)
}

// HandleMaxAbs returns the input with the largest magnitude, as a magnitude.
func HandleMaxAbs(inputs []float64) float64 {
	if len(inputs) == 0 {
		return 0.0
	}
	maxAbsVal := math.Abs(inputs[0])
	for i := 1; i < len(inputs); i++ {
		if absVal := math.Abs(inputs[i]); absVal > maxAbsVal {
			maxAbsVal = absVal
		}
	}
	return maxAbsVal
}
