package audio

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("audio capture already running")
	ErrDeviceBusy     = errors.New("audio device is already acquired")
	ErrDeviceClosed   = errors.New("audio device is closed")
)

// AcquisitionError reports that the input device could not be acquired.
// It is fatal to the capture attempt and is never retried automatically.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire audio device %q: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ResumeError reports a failed attempt to resume a suspended device. Capture
// keeps running after it.
type ResumeError struct {
	Device string
	Err    error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("resume audio device %q: %v", e.Device, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }
