package memory

import (
	"context"
	"sync/atomic"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/google/uuid"
)

// Capture hands out silent audio tracks. Set Err to simulate a missing or
// denied microphone.
type Capture struct {
	Err error

	acquired atomic.Int32
	last     atomic.Pointer[Track]
}

func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) AcquireAudio(ctx context.Context) (port.AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	t := &Track{id: uuid.NewString()}
	c.acquired.Add(1)
	c.last.Store(t)
	return t, nil
}

func (c *Capture) Acquired() int {
	return int(c.acquired.Load())
}

// Last returns the most recently acquired track.
func (c *Capture) Last() *Track {
	return c.last.Load()
}

// Unavailable is a Capture that always fails.
func Unavailable() *Capture {
	return &Capture{Err: domain.ErrMediaUnavailable}
}

type Track struct {
	id      string
	stopped atomic.Int32
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) Stop() error {
	t.stopped.Add(1)
	return nil
}

// Stops counts calls to Stop.
func (t *Track) Stops() int {
	return int(t.stopped.Load())
}
