package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/rtcpeer/internal/util"
)

// echoPrefix marks streams that carry media sent back to its origin. Such
// streams are never echoed again.
const echoPrefix = "echo-"

// rtpWriter consumes the packets of one remote track.
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// localWriter adapts a local track, which needs no closing.
type localWriter struct {
	*webrtc.TrackLocalStaticRTP
}

func (localWriter) Close() error { return nil }

// sinks returns the writers configured for track. Creating the echo track
// adds it to the session, which triggers a renegotiation.
func (s *PeerSession) sinks(track *webrtc.TrackRemote) []rtpWriter {
	var writers []rtpWriter

	if s.opts.Echo && !strings.HasPrefix(track.StreamID(), echoPrefix) {
		local, err := webrtc.NewTrackLocalStaticRTP(
			track.Codec().RTPCodecCapability, track.ID(), echoPrefix+track.StreamID())
		if err != nil {
			util.LogWarning("cannot echo %s track %s: %v", track.Kind(), track.ID(), err)
		} else if err := s.AddTrack(local); err != nil {
			util.LogWarning("cannot echo %s track %s: %v", track.Kind(), track.ID(), err)
		} else {
			writers = append(writers, localWriter{local})
		}
	}

	if s.opts.RecordDir != "" {
		w, err := newRecorder(s.opts.RecordDir, track.StreamID(), track.ID(), track.Codec().MimeType)
		switch {
		case err != nil:
			util.LogWarning("cannot record %s track %s: %v", track.Kind(), track.ID(), err)
		case w != nil:
			writers = append(writers, w)
		}
	}
	return writers
}

// newRecorder opens a container file for a track of the given codec. It
// returns nil without error for codecs that have no container.
func newRecorder(dir, stream, id, mimeType string) (rtpWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Join(dir, fmt.Sprintf("%s-%s", sanitize(stream), sanitize(id)))

	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return ivfwriter.New(base + ".ivf")
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return oggwriter.New(base+".ogg", 48000, 2)
	}
	util.LogDebug("no container for %s, track %s not recorded", mimeType, id)
	return nil, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

// forward copies packets returned by read to writers until read fails. The
// writers are closed on return; io.EOF ends the copy without error.
func forward(read func() (*rtp.Packet, error), writers []rtpWriter) error {
	defer func() {
		for _, w := range writers {
			if err := w.Close(); err != nil {
				util.LogWarning("closing track sink: %v", err)
			}
		}
	}()

	for {
		pkt, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		for _, w := range writers {
			if err := w.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				util.LogDebug("track sink write: %v", err)
			}
		}
	}
}
