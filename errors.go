package cogview

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below matches exactly one of these with errors.Is.
var (
	ErrInvalidFormat       = errors.New("invalid raster format")
	ErrMissingGeoreference = errors.New("missing georeference")
	ErrTruncatedData       = errors.New("truncated raster data")
	ErrUnsupported         = errors.New("unsupported raster layout")

	ErrIncomplete = errors.New("incomplete ingestion")

	ErrEmptyIntersection = errors.New("bounding box does not intersect raster")
	ErrSourceUnavailable = errors.New("raster source unavailable")
	ErrInvalidBBox       = errors.New("invalid bounding box")

	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("object access denied")
	ErrNetwork      = errors.New("storage network failure")
)

// DecodeError is returned by the raster decoder.
type DecodeError struct {
	Kind   error // one of ErrInvalidFormat, ErrMissingGeoreference, ErrTruncatedData, ErrUnsupported
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode: " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Is(target error) bool { return target == e.Kind }

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(kind error, format string, args ...interface{}) error {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func wrapDecodeErr(kind error, err error, format string, args ...interface{}) error {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// IngestionError is returned when chunked ingestion could not assemble the full source.
type IngestionError struct {
	Read     int64
	Expected int64
	Err      error
}

func (e *IngestionError) Error() string {
	msg := fmt.Sprintf("ingest: %s: read %d of %d bytes", ErrIncomplete, e.Read, e.Expected)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IngestionError) Is(target error) bool { return target == ErrIncomplete }

func (e *IngestionError) Unwrap() error { return e.Err }

// ExtractionError is returned by the windowed extractor.
type ExtractionError struct {
	Kind   error // one of ErrEmptyIntersection, ErrSourceUnavailable, ErrInvalidBBox
	Detail string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := "extract: " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Is(target error) bool { return target == e.Kind }

func (e *ExtractionError) Unwrap() error { return e.Err }

// StorageError is returned by ObjectStore implementations.
type StorageError struct {
	Kind error // one of ErrNotFound, ErrAccessDenied, ErrNetwork
	Key  string
	Err  error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage: %s: %q", e.Kind, e.Key)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Is(target error) bool { return target == e.Kind }

func (e *StorageError) Unwrap() error { return e.Err }
