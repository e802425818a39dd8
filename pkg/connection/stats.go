package connection

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// TelnetConnectionStats are runtime counters of a Telnet connection. Only the
// driver mutates them; they are read once at disconnect time.
type TelnetConnectionStats struct {
	Target      string
	ConnectedAt time.Time
	Keepalives  uint64
	NAWSChanges uint64
	BytesIn     uint64
	BytesOut    uint64

	logger zerolog.Logger
}

func newTelnetConnectionStats(target string, logger zerolog.Logger) *TelnetConnectionStats {
	return &TelnetConnectionStats{
		Target:      target,
		ConnectedAt: time.Now(),
		logger:      logger,
	}
}

// Duration is the time since the connection was established.
func (s *TelnetConnectionStats) Duration() time.Duration {
	return time.Since(s.ConnectedAt)
}

// LogDisconnect writes the single audit line for a closed session.
func (s *TelnetConnectionStats) LogDisconnect(reason string) {
	s.logger.Info().
		Str("target", s.Target).
		Str("reason", reason).
		Str("duration", formatDuration(s.Duration())).
		Uint64("keepalives", s.Keepalives).
		Uint64("naws_changes", s.NAWSChanges).
		Str("bytes_in", humanize.Bytes(s.BytesIn)).
		Str("bytes_out", humanize.Bytes(s.BytesOut)).
		Msg("Telnet connection closed")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
