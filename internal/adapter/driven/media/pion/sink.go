package pion

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink drains one remote audio track, writing Opus pages to an ogg file when
// a record directory is configured. It stops on RTCP Goodbye, on read error
// or on Close.
type Sink struct {
	logger zerolog.Logger

	mu     sync.Mutex
	ogg    *oggwriter.OggWriter
	closed bool
}

func newSink(dir string, remote domain.ParticipantID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) (*Sink, error) {
	s := &Sink{
		logger: log.With().Str("remote_id", remote.String()).Str("track_id", track.ID()).Logger(),
	}
	if dir != "" {
		name := filepath.Join(dir, fmt.Sprintf("%s-%s.ogg", remote, track.ID()))
		ogg, err := oggwriter.New(name, track.Codec().ClockRate, track.Codec().Channels)
		if err != nil {
			return nil, err
		}
		s.ogg = ogg
		s.logger.Info().Str("file", name).Msg("Recording remote audio")
	}

	go s.readRTP(track)
	go s.readRTCP(receiver)
	return s, nil
}

func (s *Sink) readRTP(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("Remote track read stopped")
			}
			s.Close()
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.ogg != nil {
			if err := s.ogg.WriteRTP(pkt); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to write ogg page")
			}
		}
		s.mu.Unlock()
	}
}

func (s *Sink) readRTCP(receiver *webrtc.RTPReceiver) {
	for {
		pkts, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.Goodbye); ok {
				s.logger.Info().Msg("Remote track ended")
				s.Close()
				return
			}
		}
	}
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ogg != nil {
		return s.ogg.Close()
	}
	return nil
}
