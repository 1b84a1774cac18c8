package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// NewTestPatternStream returns a stream with one VP8 video and one Opus audio
// track. Nothing is written to the tracks; callers feed samples through
// the *webrtc.TrackLocalStaticSample values if they need media to flow.
func NewTestPatternStream() (*Stream, error) {
	id := uuid.NewString()

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	if err != nil {
		return nil, fmt.Errorf("%w: video track: %w", ErrMediaDevice, err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %w", ErrMediaDevice, err)
	}

	return &Stream{ID: id, Tracks: []webrtc.TrackLocal{video, audio}}, nil
}

// TestPatternCapture is a Capture producing NewTestPatternStream.
func TestPatternCapture(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaDevice, err)
	}
	return NewTestPatternStream()
}
