package job

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

type Method string

const (
	MethodInt8     Method = "int8"
	MethodGPTQ     Method = "gptq"
	MethodAWQ      Method = "awq"
	MethodGGUFQ4_0 Method = "gguf_q4_0"
	MethodGGUFQ5_0 Method = "gguf_q5_0"
)

func (m Method) Valid() bool {
	switch m {
	case MethodInt8, MethodGPTQ, MethodAWQ, MethodGGUFQ4_0, MethodGGUFQ5_0:
		return true
	}
	return false
}

type Format string

const (
	FormatPyTorch     Format = "pytorch"
	FormatONNX        Format = "onnx"
	FormatSafetensors Format = "safetensors"
	FormatGGUF        Format = "gguf"
)

// Compatible reports whether method can turn a model in format in into format out.
func Compatible(in Format, m Method, out Format) bool {
	torch := func(f Format) bool { return f == FormatPyTorch || f == FormatSafetensors }
	switch m {
	case MethodInt8:
		return in == FormatONNX && out == FormatONNX
	case MethodGPTQ, MethodAWQ:
		return torch(in) && torch(out)
	case MethodGGUFQ4_0, MethodGGUFQ5_0:
		return torch(in) && out == FormatGGUF
	}
	return false
}

type Job struct {
	ID                 string        `json:"id"`
	OwnerID            string        `json:"owner_id"`
	Name               string        `json:"name"`
	Status             Status        `json:"status"`
	Method             Method        `json:"quantization_method"`
	InputFormat        Format        `json:"input_format"`
	OutputFormat       Format        `json:"output_format"`
	InputFileRef       string        `json:"input_file_ref"`
	OutputFileRef      string        `json:"output_file_ref,omitempty"`
	Progress           int           `json:"progress"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	OriginalSize       int64         `json:"original_size"`
	QuantizedSize      *int64        `json:"quantized_size,omitempty"`
	ReductionPercent   *float64      `json:"reduction_percent,omitempty"`
	ProcessingDuration time.Duration `json:"processing_duration"`
	CreditsCharged     int           `json:"credits_charged"`
	Priority           int           `json:"priority"`
	DownloadToken      string        `json:"-"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// New builds a queued job. Id and download token are generated here and never change.
func New(ownerID, name string, m Method, in, out Format, inputRef string, originalSize int64, credits, priority int, now time.Time) *Job {
	return &Job{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           name,
		Status:         StatusQueued,
		Method:         m,
		InputFormat:    in,
		OutputFormat:   out,
		InputFileRef:   inputRef,
		OriginalSize:   originalSize,
		CreditsCharged: credits,
		Priority:       priority,
		DownloadToken:  NewDownloadToken(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewDownloadToken returns "<uuid>_<unix>_<random>".
func NewDownloadToken(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s_%d_%d", uuid.NewString(), now.Unix(), binary.BigEndian.Uint32(b[:]))
}

// ReductionPercent is (original-quantized)/original*100 clamped to [0,100] and rounded to one decimal.
func ReductionPercent(original, quantized int64) float64 {
	if original <= 0 {
		return 0
	}
	p := float64(original-quantized) / float64(original) * 100
	p = math.Max(0, math.Min(100, p))
	return math.Round(p*10) / 10
}
