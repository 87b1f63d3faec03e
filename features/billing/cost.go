package billing

import "fmt"

const gib = int64(1) << 30

var baseCost = map[string]int{
	"int8":      1,
	"gptq":      2,
	"awq":       2,
	"gguf_q4_0": 1,
	"gguf_q5_0": 1,
}

// Cost is base(method) times a size multiplier: x3 above 100 GiB, x2 above 20 GiB.
func Cost(method string, sizeBytes int64) (int, error) {
	base, ok := baseCost[method]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	switch {
	case sizeBytes > 100*gib:
		return base * 3, nil
	case sizeBytes > 20*gib:
		return base * 2, nil
	}
	return base, nil
}
