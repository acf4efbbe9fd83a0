// Package redact removes byte ranges from a resource body.
//
// Ranges come from the redaction table and are defined against the original
// body. They must be sorted, non-overlapping and inside the body. Anything else
// is treated as a corrupt signature and the whole body is dropped: a broken
// entry turns into "resource removed", never into leaked tracking code.
package redact

import (
	"errors"
	"fmt"
)

// ErrMalformedRanges reports a range list that cannot be applied to the body.
var ErrMalformedRanges = errors.New("redact: malformed ranges")

// Range is a span of Length bytes starting at Offset.
type Range struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns Offset+Length.
func (r Range) End() int64 { return r.Offset + r.Length }

// Remove returns content with every range excised, in order.
//
// A cursor starts at 0. For each range, content[cursor:offset] is kept and the
// cursor jumps to offset+length. The tail content[cursor:] is kept last.
//
// On malformed ranges the result is an empty, non-nil slice together with an
// error wrapping ErrMalformedRanges. content is never modified.
func Remove(content []byte, ranges []Range) ([]byte, error) {
	if len(ranges) == 0 {
		return append([]byte{}, content...), nil
	}
	if err := Validate(ranges, int64(len(content))); err != nil {
		return []byte{}, err
	}

	out := make([]byte, 0, len(content))
	var cursor int64
	for _, r := range ranges {
		out = append(out, content[cursor:r.Offset]...)
		cursor = r.End()
	}
	out = append(out, content[cursor:]...)
	return out, nil
}

// Validate checks that ranges can be applied to a body of size bytes.
func Validate(ranges []Range, size int64) error {
	var cursor int64
	for i, r := range ranges {
		switch {
		case r.Offset < 0 || r.Length < 0:
			return fmt.Errorf("%w: range %d (%d,%d) is negative", ErrMalformedRanges, i, r.Offset, r.Length)
		case r.Offset < cursor:
			return fmt.Errorf("%w: range %d starts at %d, before cursor %d", ErrMalformedRanges, i, r.Offset, cursor)
		case r.End() < r.Offset:
			return fmt.Errorf("%w: range %d overflows", ErrMalformedRanges, i)
		case r.End() > size:
			return fmt.Errorf("%w: range %d ends at %d, past body size %d", ErrMalformedRanges, i, r.End(), size)
		}
		cursor = r.End()
	}
	return nil
}

// Removed returns the number of bytes the ranges excise. It does not validate.
func Removed(ranges []Range) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Length
	}
	return n
}
