package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/landmarks"
)

// Datagram layout, little endian:
//
//	magic "LMK1" | uint16 count | count × (float32 x, float32 y, float32 z)
//
// A count of zero means the detector saw no face.
const (
	wireMagic      = "LMK1"
	wireHeaderSize = 6
	wirePointSize  = 12
	// MaxDatagramSize fits a full mesh with iris points.
	MaxDatagramSize = wireHeaderSize + 512*wirePointSize
)

var (
	ErrBadMagic   = errors.New("landmark datagram: bad magic")
	ErrBadLength  = errors.New("landmark datagram: length does not match point count")
	ErrTruncated  = errors.New("landmark datagram: truncated header")
	ErrTooManyPts = errors.New("landmark datagram: too many points")
)

// EncodeFrame serializes f into a datagram. A nil or empty frame encodes as
// a no-face datagram.
func EncodeFrame(f *landmarks.Frame) ([]byte, error) {
	n := 0
	if f != nil {
		n = len(f.Points)
	}
	if n > math.MaxUint16 || wireHeaderSize+n*wirePointSize > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d", ErrTooManyPts, n)
	}
	buf := make([]byte, wireHeaderSize+n*wirePointSize)
	copy(buf, wireMagic)
	binary.LittleEndian.PutUint16(buf[4:], uint16(n))
	off := wireHeaderSize
	for i := 0; i < n; i++ {
		p := f.Points[i]
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(float32(p.Z)))
		off += wirePointSize
	}
	return buf, nil
}

// DecodeFrame parses a datagram. It returns a nil frame and no error for a
// no-face datagram. received stamps the frame.
func DecodeFrame(b []byte, received time.Time) (*landmarks.Frame, error) {
	if len(b) < wireHeaderSize {
		return nil, ErrTruncated
	}
	if string(b[:4]) != wireMagic {
		return nil, ErrBadMagic
	}
	n := int(binary.LittleEndian.Uint16(b[4:]))
	if len(b) != wireHeaderSize+n*wirePointSize {
		return nil, fmt.Errorf("%w: %d points in %d bytes", ErrBadLength, n, len(b))
	}
	if n == 0 {
		return nil, nil
	}
	pts := make([]landmarks.Point3, n)
	off := wireHeaderSize
	for i := range pts {
		pts[i] = landmarks.Point3{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off+8:]))),
		}
		off += wirePointSize
	}
	return &landmarks.Frame{Points: pts, Timestamp: received}, nil
}
