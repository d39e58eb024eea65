package media

import (
	"errors"
	"fmt"
	"strings"
)

// CaptureErrorKind is the closed taxonomy of media-acquisition failures.
// Platform errors are normalized into these kinds so the engine can show a
// specific, consistent message instead of raw driver output.
type CaptureErrorKind int

const (
	KindUnknown CaptureErrorKind = iota
	KindPermissionDenied
	KindDeviceNotFound
	KindDeviceBusy
	KindConstraintUnsatisfiable
	KindAborted
	KindBadConstraints
)

func (k CaptureErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission-denied"
	case KindDeviceNotFound:
		return "device-not-found"
	case KindDeviceBusy:
		return "device-busy"
	case KindConstraintUnsatisfiable:
		return "constraint-unsatisfiable"
	case KindAborted:
		return "aborted"
	case KindBadConstraints:
		return "bad-constraints"
	default:
		return "unknown"
	}
}

// UserMessage is the caller-facing text for each kind.
func (k CaptureErrorKind) UserMessage() string {
	switch k {
	case KindPermissionDenied:
		return "Camera/microphone access denied. Please allow permissions."
	case KindDeviceNotFound:
		return "No camera/microphone found."
	case KindDeviceBusy:
		return "Camera/microphone is already in use."
	case KindConstraintUnsatisfiable:
		return "Camera doesn't support the required settings."
	case KindAborted:
		return "Media access was interrupted."
	case KindBadConstraints:
		return "Invalid media constraints."
	default:
		return "Could not access camera/microphone."
	}
}

// CaptureError wraps a platform capture failure with its classified kind.
type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("media: capture failed (%s): %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// AsCaptureError extracts a CaptureError from err, if present.
func AsCaptureError(err error) (*CaptureError, bool) {
	var ce *CaptureError
	ok := errors.As(err, &ce)
	return ce, ok
}

// classifyCaptureError maps raw driver/mediadevices errors onto the taxonomy.
// mediadevices reports unsatisfiable constraints and absent devices with the
// same "failed to find the best driver" error, so that text maps to
// device-not-found when no device of the kind exists at all and otherwise to
// constraint-unsatisfiable; the caller decides which via haveDevice.
func classifyCaptureError(err error, haveDevice bool) *CaptureError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	kind := KindUnknown
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"),
		strings.Contains(msg, "access denied"):
		kind = KindPermissionDenied
	case strings.Contains(msg, "device or resource busy"),
		strings.Contains(msg, "already in use"):
		kind = KindDeviceBusy
	case strings.Contains(msg, "failed to find the best driver"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "not found"):
		if haveDevice {
			kind = KindConstraintUnsatisfiable
		} else {
			kind = KindDeviceNotFound
		}
	case strings.Contains(msg, "context canceled"),
		strings.Contains(msg, "aborted"),
		strings.Contains(msg, "interrupted"):
		kind = KindAborted
	case strings.Contains(msg, "invalid constraint"),
		strings.Contains(msg, "malformed"):
		kind = KindBadConstraints
	}

	return &CaptureError{Kind: kind, Err: err}
}
