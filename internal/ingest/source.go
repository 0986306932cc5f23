// Package ingest delivers landmark frames from the external face-mesh
// detector to the gaze pipeline.
package ingest

import "github.com/banshee-data/foveate/internal/gaze/landmarks"

// Source yields the most recent landmark frame. A nil frame means the
// detector currently sees no face. Implementations are safe for
// concurrent use.
type Source interface {
	Latest() *landmarks.Frame
}

var (
	_ Source = (*SyntheticFace)(nil)
	_ Source = (*UDPListener)(nil)
)
