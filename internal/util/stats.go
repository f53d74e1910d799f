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

// Stats is the process-wide session counter set.
var Stats = &stats{}

type stats struct {
	MessagesSent     atomic.Int64 // signaling messages written to the channel
	MessagesRecv     atomic.Int64 // signaling messages read from the channel
	ConsumersOpened  atomic.Int64 // cumulative consumers created
	ConsumersClosed  atomic.Int64 // cumulative consumers closed
	ReactionsSent    atomic.Int64 // local reactions broadcast
	ReactionsDropped atomic.Int64 // local reactions rejected by the rate limit
	ReactionsRecv    atomic.Int64 // remote reactions accepted
	BytesRecv        atomic.Int64 // RTP payload bytes read by tile surfaces
}

func (s *stats) AddSent()            { s.MessagesSent.Add(1) }
func (s *stats) AddRecv()            { s.MessagesRecv.Add(1) }
func (s *stats) AddConsumer()        { s.ConsumersOpened.Add(1) }
func (s *stats) RemoveConsumer()     { s.ConsumersClosed.Add(1) }
func (s *stats) AddReactionSent()    { s.ReactionsSent.Add(1) }
func (s *stats) AddReactionDrop()    { s.ReactionsDropped.Add(1) }
func (s *stats) AddReactionRecv()    { s.ReactionsRecv.Add(1) }
func (s *stats) AddMediaBytes(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds while something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevMsgs, prevBytes, prevReactions, prevDropped int64
		for {
			select {
			case <-ticker.C:
				msgs := Stats.MessagesSent.Load() + Stats.MessagesRecv.Load()
				bytes := Stats.BytesRecv.Load()
				reactions := Stats.ReactionsSent.Load() + Stats.ReactionsRecv.Load()
				dropped := Stats.ReactionsDropped.Load()
				active := Stats.ConsumersOpened.Load() - Stats.ConsumersClosed.Load()

				if msgs != prevMsgs || bytes != prevBytes || reactions != prevReactions || dropped != prevDropped {
					rate := float64(bytes-prevBytes) / reportInterval.Seconds()
					pterm.DefaultLogger.Info(formatStats(rate, active, msgs-prevMsgs, reactions-prevReactions, dropped-prevDropped))
				}

				prevMsgs = msgs
				prevBytes = bytes
				prevReactions = reactions
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(mediaRate float64, consumers, msgs, reactions, dropped int64) string {
	return fmt.Sprintf("Media: %s/s | Consumers: %2d | Signals: %3d | Reactions: %2d (%d throttled)",
		formatBytes(mediaRate),
		consumers,
		msgs,
		reactions,
		dropped,
	)
}
