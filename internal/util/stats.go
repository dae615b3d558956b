package util

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer counter.
var Stats = &stats{}

type stats struct {
	Started   atomic.Int64 // cumulative count of sessions that reached transferring
	Finished  atomic.Int64 // cumulative count of sessions that reached a terminal state
	BytesSent atomic.Int64 // cumulative chunk bytes written to DataChannels
	BytesRecv atomic.Int64 // cumulative chunk bytes accepted from DataChannels
}

func (s *stats) AddStarted()   { s.Started.Add(1) }
func (s *stats) AddFinished()  { s.Finished.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs aggregate transfer
// statistics every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevStarted, prevFinished int64
		for {
			select {
			case <-ticker.C:
				started := Stats.Started.Load()
				finished := Stats.Finished.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				up := started - prevStarted
				down := finished - prevFinished

				if up > 0 || down > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, up, down))
				}

				prevSent = sent
				prevRecv = recv
				prevStarted = started
				prevFinished = finished

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// FormatSpeed formats a throughput in bytes per second.
func FormatSpeed(bps float64) string {
	return FormatBytes(bps) + "/s"
}

// FormatETA formats a remaining time in seconds; +Inf and NaN render as "--:--".
func FormatETA(seconds float64) string {
	if math.IsInf(seconds, 0) || math.IsNaN(seconds) || seconds < 0 {
		return "--:--"
	}
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, up, down int64) string {
	return fmt.Sprintf("In: %s | Out: %s | Transfers: %2d↑ %2d↓",
		FormatSpeed(inS),
		FormatSpeed(outS),
		up,
		down,
	)
}
