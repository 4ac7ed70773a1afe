package sparkplug

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// compressedUUID marks a payload whose body carries a compressed inner
// payload per the Sparkplug B compression convention.
const compressedUUID = "SPBV1.0_COMPRESSED"

// ErrCompression is returned when a payload claims compression but its body
// cannot be inflated.
var ErrCompression = errors.New("sparkplug: compressed payload cannot be inflated")

func math32(bits uint32) float32 { return math.Float32frombits(bits) }
func math64(bits uint64) float64 { return math.Float64frombits(bits) }

// algorithmValue returns the string value of a metric named "algorithm", the
// alternative marker some publishers use instead of the wrapper uuid.
func algorithmValue(p *Payload) (string, bool) {
	for i := range p.Metrics {
		m := &p.Metrics[i]
		if m.Name == "algorithm" && !m.IsNull && m.Value.Kind == KindString {
			return m.Value.String, true
		}
	}
	return "", false
}

// IsCompressedWrapper reports whether p wraps a compressed inner payload.
func IsCompressedWrapper(p *Payload) bool {
	if p.UUID == compressedUUID && len(p.Body) > 0 {
		return true
	}
	algorithm, ok := algorithmValue(p)
	return ok && algorithm == "GZIP" && len(p.Body) > 0
}

// UnwrapIfCompressed inflates and re-parses the inner payload when p is a
// compression wrapper, and returns p unchanged otherwise. Inflation first
// assumes gzip framing and falls back to a zlib stream.
func UnwrapIfCompressed(p *Payload) (*Payload, error) {
	if len(p.Body) == 0 {
		algorithm, ok := algorithmValue(p)
		if p.UUID == compressedUUID || (ok && algorithm == "GZIP") {
			return nil, fmt.Errorf("%w: empty body", ErrCompression)
		}
	}
	if !IsCompressedWrapper(p) {
		return p, nil
	}

	inner, err := inflate(p.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompression, err)
	}
	return DecodePayload(inner)
}

func inflate(body []byte) ([]byte, error) {
	if r, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
		if out, err := io.ReadAll(r); err == nil {
			return out, nil
		}
	}
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Decode parses blob and transparently unwraps any compression wrapper.
func Decode(blob []byte) (*Payload, error) {
	outer, err := DecodePayload(blob)
	if err != nil {
		return nil, err
	}
	return UnwrapIfCompressed(outer)
}
