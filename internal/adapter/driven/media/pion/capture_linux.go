//go:build linux

package pion

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Capture opens the default microphone and encodes it with Opus.
type Capture struct {
	selector *mediadevices.CodecSelector
}

func NewCapture() (*Capture, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Capture{
		selector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&params)),
	}, nil
}

func (c *Capture) AcquireAudio(ctx context.Context) (port.AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mics int
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			mics++
		}
	}
	if mics == 0 {
		return nil, errors.Join(domain.ErrMediaUnavailable, errors.New("no audio input device"))
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: c.selector,
	})
	if err != nil {
		return nil, errors.Join(domain.ErrMediaUnavailable, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.Join(domain.ErrMediaUnavailable, errors.New("stream has no audio track"))
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}

	t := tracks[0]
	t.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("track_id", t.ID()).Msg("Local audio track ended")
		}
	})
	log.Info().Str("track_id", t.ID()).Msg("Local audio captured")
	return &micTrack{track: t}, nil
}

type micTrack struct {
	track mediadevices.Track
}

func (m *micTrack) ID() string {
	return m.track.ID()
}

func (m *micTrack) Stop() error {
	if err := m.track.Close(); err != nil {
		return fmt.Errorf("close microphone: %w", err)
	}
	return nil
}

func (m *micTrack) TrackLocal() webrtc.TrackLocal {
	return m.track
}
