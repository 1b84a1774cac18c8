package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide negotiation counter.
var Stats = &stats{}

type stats struct {
	OffersSent     atomic.Int64 // local offers handed to the signaling channel
	AnswersSent    atomic.Int64 // local answers handed to the signaling channel
	CandidatesSent atomic.Int64 // local candidates forwarded to the peer
	CandidatesRecv atomic.Int64 // remote candidates received from the peer
	Collisions     atomic.Int64 // incoming offers that collided with a local one
	SignalErrors   atomic.Int64 // failed signaling calls (send or receive)
}

func (s *stats) AddOffer()         { s.OffersSent.Add(1) }
func (s *stats) AddAnswer()        { s.AnswersSent.Add(1) }
func (s *stats) AddCandidateSent() { s.CandidatesSent.Add(1) }
func (s *stats) AddCandidateRecv() { s.CandidatesRecv.Add(1) }
func (s *stats) AddCollision()     { s.Collisions.Add(1) }
func (s *stats) AddSignalError()   { s.SignalErrors.Add(1) }

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	offers, answers, candSent, candRecv, collisions, errors int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		offers:     s.OffersSent.Load(),
		answers:    s.AnswersSent.Load(),
		candSent:   s.CandidatesSent.Load(),
		candRecv:   s.CandidatesRecv.Load(),
		collisions: s.Collisions.Load(),
		errors:     s.SignalErrors.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs negotiation statistics
// every interval, but only when something changed. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the counters for display in the logger.
func formatStats(s snapshot) string {
	return fmt.Sprintf("Offers: %d↑ | Answers: %d↑ | Candidates: %d↑ %d↓ | Collisions: %d | Signal errors: %d",
		s.offers,
		s.answers,
		s.candSent,
		s.candRecv,
		s.collisions,
		s.errors,
	)
}
