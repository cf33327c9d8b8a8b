package model

import (
	"fmt"
	"strconv"
)

// StatusSnapshot is one observation of a running task, decoded from the
// engine's status response. The engine reports all numeric fields as
// strings; the parse helpers below convert them.
type StatusSnapshot struct {
	State           TaskState
	TotalLength     int64 // total bytes, 0 if unknown
	CompletedLength int64 // bytes downloaded so far
	DownloadSpeed   int64 // bytes per second
	ErrorMessage    string
}

// RawStatus carries the string-typed fields exactly as the engine sends
// them over the wire.
type RawStatus struct {
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
}

// Snapshot parses the raw wire fields into a StatusSnapshot. Unparseable
// numeric fields are treated as zero rather than failing the poll.
func (r RawStatus) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		State:           TaskState(r.Status),
		TotalLength:     parseLength(r.TotalLength),
		CompletedLength: parseLength(r.CompletedLength),
		DownloadSpeed:   parseLength(r.DownloadSpeed),
		ErrorMessage:    r.ErrorMessage,
	}
}

// Progress returns completion as a fraction in [0, 1], or 0 if the total
// size is unknown.
func (s StatusSnapshot) Progress() float64 {
	if s.TotalLength <= 0 {
		return 0
	}
	p := float64(s.CompletedLength) / float64(s.TotalLength)
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// SpeedString returns the download speed in human readable form
func (s StatusSnapshot) SpeedString() string {
	return FormatBytes(s.DownloadSpeed) + "/s"
}

// FormatBytes formats a byte count as a human readable string
func FormatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2fGB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func parseLength(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
