//go:build !linux

package pion

import (
	"context"
	"errors"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
)

// Capture reports media as unavailable. Microphone capture relies on the
// linux audio drivers.
type Capture struct{}

func NewCapture() (*Capture, error) {
	return &Capture{}, nil
}

func (c *Capture) AcquireAudio(ctx context.Context) (port.AudioTrack, error) {
	return nil, errors.Join(domain.ErrMediaUnavailable, errors.New("audio capture not supported on this platform"))
}
