package jpeg2000

import "fmt"

// ErrorKind classifies a CodecError so callers can branch on failure
// category without string-matching messages.
type ErrorKind int

const (
	// FormatError means the input is not a valid JPEG 2000 codestream
	// or box structure (bad marker, bad box, inconsistent header field).
	FormatError ErrorKind = iota
	// TruncationError means the input ended before a length the header
	// declared was satisfied (truncated tile-part, packet, or box).
	TruncationError
	// UnsupportedFeature means the codestream is well-formed but uses a
	// capability this decoder does not implement.
	UnsupportedFeature
	// ResourceError means an operation failed for a reason unrelated to
	// the codestream's validity (allocation failure, I/O error from the
	// underlying writer/reader surfaced as a resource problem).
	ResourceError
	// UserCancelled means the caller's context was cancelled mid-decode.
	UserCancelled
	// IoError means the underlying io.Reader/io.Writer returned an error
	// unrelated to codestream content.
	IoError
)

func (k ErrorKind) String() string {
	switch k {
	case FormatError:
		return "FormatError"
	case TruncationError:
		return "TruncationError"
	case UnsupportedFeature:
		return "UnsupportedFeature"
	case ResourceError:
		return "ResourceError"
	case UserCancelled:
		return "UserCancelled"
	case IoError:
		return "IoError"
	default:
		return "UnknownError"
	}
}

// CodecError is the error type returned by the public API for failures
// classified by ErrorKind. It wraps an underlying cause, if any, so
// errors.Is/errors.As see through it.
type CodecError struct {
	kind    ErrorKind
	message string
	cause   error
}

// NewCodecError creates a CodecError of the given kind wrapping cause
// (which may be nil).
func NewCodecError(kind ErrorKind, message string, cause error) *CodecError {
	return &CodecError{kind: kind, message: message, cause: cause}
}

func (e *CodecError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("jpeg2000: %s: %v", e.message, e.cause)
	}
	return fmt.Sprintf("jpeg2000: %s", e.message)
}

// Kind returns the error's classification.
func (e *CodecError) Kind() ErrorKind { return e.kind }

// Unwrap returns the wrapped cause, so errors.Is/errors.As work against
// CodecError.
func (e *CodecError) Unwrap() error { return e.cause }
