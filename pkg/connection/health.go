package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tu10ng/bspterm-sub000/internal/metrics"
	"github.com/tu10ng/bspterm-sub000/pkg/probe"
)

// ReasonHostUnreachable is the error reason set when the reachability probe
// fails repeatedly while the remote is silent.
const ReasonHostUnreachable = "Host unreachable"

type probeResult struct {
	started   time.Time
	reachable bool
	err       error
}

// healthMonitor runs out-of-band reachability probes while no data arrives.
// It is owned by a single driver goroutine; only the probe itself runs
// elsewhere.
type healthMonitor struct {
	prober    probe.Prober
	host      string
	interval  time.Duration
	threshold int
	logger    zerolog.Logger

	ticker   *time.Ticker
	results  chan probeResult
	lastData time.Time
	failures int
	inFlight bool
}

// newHealthMonitor returns a disabled monitor when prober is nil or interval
// is not positive.
func newHealthMonitor(prober probe.Prober, host string, interval time.Duration, threshold int, logger zerolog.Logger) *healthMonitor {
	if threshold <= 0 {
		threshold = 2
	}
	h := &healthMonitor{
		prober:    prober,
		host:      probe.StripPort(host),
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		results:   make(chan probeResult, 1),
		lastData:  time.Now(),
	}
	if prober != nil && interval > 0 {
		h.ticker = time.NewTicker(interval)
	}
	return h
}

func (h *healthMonitor) tick() <-chan time.Time {
	if h.ticker == nil {
		return nil
	}
	return h.ticker.C
}

func (h *healthMonitor) resultC() <-chan probeResult {
	return h.results
}

func (h *healthMonitor) stop() {
	if h.ticker != nil {
		h.ticker.Stop()
	}
}

// dataReceived records remote activity and resets the failure counter.
func (h *healthMonitor) dataReceived(now time.Time) {
	h.lastData = now
	h.failures = 0
}

// maybeProbe starts a probe if the remote has been silent for a full interval
// and no probe is already running.
func (h *healthMonitor) maybeProbe(ctx context.Context, now time.Time) {
	if h.inFlight || now.Sub(h.lastData) < h.interval {
		return
	}
	h.inFlight = true

	go func(started time.Time) {
		ok, err := h.prober.Probe(ctx, h.host)
		h.results <- probeResult{started: started, reachable: ok, err: err}
	}(now)
}

// handle consumes a probe result and reports whether the failure threshold
// has been reached.
func (h *healthMonitor) handle(r probeResult) bool {
	h.inFlight = false

	switch {
	case r.err != nil:
		metrics.ProbeResultsTotal.WithLabelValues(metrics.ProbeUnavailable).Inc()
		if !errors.Is(r.err, context.Canceled) {
			h.logger.Debug().Err(r.err).Str("host", h.host).Msg("Reachability probe unavailable, assuming reachable")
		}
		h.failures = 0
	case r.reachable:
		metrics.ProbeResultsTotal.WithLabelValues(metrics.ProbeReachable).Inc()
		h.failures = 0
	default:
		metrics.ProbeResultsTotal.WithLabelValues(metrics.ProbeUnreachable).Inc()
		// Data arrived while the probe was running.
		if h.lastData.After(r.started) {
			return false
		}
		h.failures++
		h.logger.Warn().
			Str("host", h.host).
			Int("failures", h.failures).
			Int("threshold", h.threshold).
			Msg("Host did not answer reachability probe")
	}

	return h.failures >= h.threshold
}
