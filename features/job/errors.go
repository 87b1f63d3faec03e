package job

import "errors"

var (
	ErrNotFound = errors.New("job: not found")

	// Transition guards. These are race rejections, never job failures.
	ErrInvalidTransition = errors.New("job: invalid state transition")
	ErrAlreadyTerminal   = errors.New("job: already terminal")
	ErrNotCancellable    = errors.New("job: not cancellable")

	// ErrStatusConflict means the stored status moved between read and write.
	ErrStatusConflict = errors.New("job: status changed concurrently")

	// Admission errors.
	ErrInvalidCombination = errors.New("job: invalid format/method combination")
	ErrInvalidMethod      = errors.New("job: unknown quantization method")
	ErrInvalidName        = errors.New("job: name must be 1-100 characters")
	ErrFileNotOwned       = errors.New("job: input file belongs to another owner")
	ErrDuplicateToken     = errors.New("job: download token already exists")
)
