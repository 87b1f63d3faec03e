// Package engine runs the quantization backend for a job. The worker pool
// treats it as opaque: it hands over a method and paths and gets an output
// file back.
package engine

import (
	"context"
	"fmt"
)

type Backend string

const (
	BackendONNX    Backend = "onnx"
	BackendPyTorch Backend = "pytorch"
	BackendGGUF    Backend = "gguf"
)

// Params are the backend invocation parameters derived from a method.
type Params struct {
	Backend        Backend
	Bits           int
	GroupSize      int
	UseCalibration bool
}

var dispatch = map[string]Params{
	"int8":      {Backend: BackendONNX, Bits: 8},
	"gptq":      {Backend: BackendPyTorch, Bits: 4, GroupSize: 128, UseCalibration: true},
	"awq":       {Backend: BackendPyTorch, Bits: 4, GroupSize: 128, UseCalibration: true},
	"gguf_q4_0": {Backend: BackendGGUF, Bits: 4},
	"gguf_q5_0": {Backend: BackendGGUF, Bits: 5},
}

// ParamsFor looks up the invocation parameters for method.
func ParamsFor(method string) (Params, error) {
	p, ok := dispatch[method]
	if !ok {
		return Params{}, &Error{Method: method, Msg: "unsupported quantization method"}
	}
	return p, nil
}

type Request struct {
	JobID        string
	InputPath    string
	OutputDir    string
	Method       string
	OutputFormat string
	Params       Params
	// Progress receives percentages in [0,100]. May be nil.
	Progress func(pct int)
}

type Result struct {
	OutputPath      string
	OutputSizeBytes int64
}

type Engine interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Error is a failure reported by the engine itself, as opposed to a timeout
// or an infrastructure problem around it.
type Error struct {
	Method string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %s: %v", e.Method, e.Msg, e.Err)
	}
	return fmt.Sprintf("engine: %s: %s", e.Method, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }
