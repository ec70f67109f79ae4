package pion

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticTrack is an Opus track fed by the caller instead of a device. It
// lets a participant negotiate sendrecv audio without a microphone.
type StaticTrack struct {
	track *webrtc.TrackLocalStaticSample
	once  sync.Once
	done  chan struct{}
}

func NewStaticTrack() (*StaticTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(), "chatfusion",
	)
	if err != nil {
		return nil, err
	}
	return &StaticTrack{track: t, done: make(chan struct{})}, nil
}

func (s *StaticTrack) ID() string {
	return s.track.ID()
}

func (s *StaticTrack) Stop() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Stopped is closed once Stop has been called.
func (s *StaticTrack) Stopped() <-chan struct{} {
	return s.done
}

func (s *StaticTrack) TrackLocal() webrtc.TrackLocal {
	return s.track
}
