package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/rtcpeer/internal/util"
)

// oggPageInterval paces Opus pages; Opus files are written with 20ms frames.
const oggPageInterval = 20 * time.Millisecond

// frameReader returns the next frame of an open file and how long it plays.
type frameReader func() ([]byte, time.Duration, error)

// container describes a playable file type.
type container struct {
	mimeType string
	kind     string
	open     func(r io.Reader) (next frameReader, interval time.Duration, err error)
}

var containers = map[string]container{
	".ivf": {mimeType: webrtc.MimeTypeVP8, kind: "video", open: openIVF},
	".ogg": {mimeType: webrtc.MimeTypeOpus, kind: "audio", open: openOgg},
}

func openIVF(r io.Reader) (frameReader, time.Duration, error) {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return nil, 0, err
	}
	if header.FourCC != "VP80" {
		return nil, 0, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	if header.TimebaseDenominator == 0 {
		return nil, 0, errors.New("ivf header has no timebase")
	}
	interval := time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))

	next := func() ([]byte, time.Duration, error) {
		frame, _, err := reader.ParseNextFrame()
		return frame, interval, err
	}
	return next, interval, nil
}

func openOgg(r io.Reader) (frameReader, time.Duration, error) {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return nil, 0, err
	}

	var lastGranule uint64
	next := func() ([]byte, time.Duration, error) {
		page, header, err := reader.ParseNextPage()
		if err != nil {
			return nil, 0, err
		}
		// The granule position counts 48kHz samples.
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		return page, time.Duration(samples) * time.Second / 48000, nil
	}
	return next, oggPageInterval, nil
}

// FileCapture returns a Capture that plays VP8 .ivf and Opus .ogg files on
// the tracks of one stream. Every file gets its own track and is played in
// a loop until the capture context is cancelled.
func FileCapture(paths ...string) Capture {
	return func(ctx context.Context) (*Stream, error) {
		if len(paths) == 0 {
			return nil, fmt.Errorf("%w: no media files", ErrMediaDevice)
		}

		stream := &Stream{ID: uuid.NewString()}
		var players []func()
		for _, path := range paths {
			track, play, err := openPlayback(ctx, path, stream.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMediaDevice, path, err)
			}
			stream.Tracks = append(stream.Tracks, track)
			players = append(players, play)
		}

		for _, play := range players {
			go play()
		}
		return stream, nil
	}
}

// openPlayback checks that path is playable and returns its track and the
// loop feeding it.
func openPlayback(ctx context.Context, path, streamID string) (*webrtc.TrackLocalStaticSample, func(), error) {
	c, ok := containers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported file type %q: want .ivf or .ogg", filepath.Ext(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	_, _, err = c.open(f)
	f.Close()
	if err != nil {
		return nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: c.mimeType}, c.kind+"-"+filepath.Base(path), streamID)
	if err != nil {
		return nil, nil, err
	}

	play := func() {
		for ctx.Err() == nil {
			if err := playOnce(ctx, path, c, track); err != nil {
				util.LogWarning("playback of %s stopped: %v", path, err)
				return
			}
		}
	}
	return track, play, nil
}

// playOnce writes every frame of path to track at the file's pace. It returns
// nil at the end of the file or when ctx is cancelled.
func playOnce(ctx context.Context, path string, c container, track *webrtc.TrackLocalStaticSample) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	next, interval, err := c.open(f)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, duration, err := next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: duration}); err != nil &&
			!errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}
