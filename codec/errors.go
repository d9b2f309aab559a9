package codec

import (
	"errors"
	"fmt"

	"go.trai.ch/zerr"
)

var (
	// ErrInvalidData reports an envelope that cannot be used. Every decode
	// failure matches it, so callers can treat the entry as stale with a
	// single errors.Is check.
	ErrInvalidData = zerr.New("codec: invalid data")

	// ErrFormatVersion reports an envelope written with another format version.
	ErrFormatVersion = zerr.New("codec: format version mismatch")
	// ErrSoftwareVersion reports release or revision tags rejected by the policy.
	ErrSoftwareVersion = zerr.New("codec: software version mismatch")
	// ErrUnknownType reports a type id or name with no registered factory.
	ErrUnknownType = zerr.New("codec: unknown type")
	// ErrNotEquivalent reports a decoded graph that does not match the
	// requested prototype.
	ErrNotEquivalent = zerr.New("codec: graph not equivalent to request")
	// ErrUnsupportedCompression reports an unknown compression marker or setting.
	ErrUnsupportedCompression = zerr.New("codec: unsupported compression")
	// ErrDecryptFailed reports an encrypted payload that could not be opened.
	ErrDecryptFailed = zerr.New("codec: decrypt failed")

	// ErrEncryptionKey is returned by New for keys that are not 16, 24 or 32 bytes.
	ErrEncryptionKey = zerr.New("codec: encryption key must be 16, 24, or 32 bytes")
	// ErrUnsupportedValue is returned when Writer.Value meets a Go type it
	// cannot tag.
	ErrUnsupportedValue = zerr.New("codec: unsupported value type")
	// ErrNilGraph is returned when encoding a nil root graph.
	ErrNilGraph = zerr.New("codec: nil graph")
	// ErrDuplicateType is returned when a catalog already holds a type name.
	ErrDuplicateType = zerr.New("codec: duplicate type")
)

// invalid marks cause as a decode failure.
func invalid(cause error) error {
	if cause == nil || errors.Is(cause, ErrInvalidData) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrInvalidData, cause)
}
