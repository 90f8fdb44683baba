package budget

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"controlroom/internal/domain"
)

// minSustainedSamples is how many samples the sustained-rate check needs
// before it trusts the average.
const minSustainedSamples = 3

type sample struct {
	at    time.Time
	total float64
}

// detector watches total spend for spikes between polls and for a high
// average rate over the lookback window. Each kind alerts at most once per
// window, measured on the governor's clock.
type detector struct {
	cfg       Anomaly
	window    time.Duration
	samples   []sample
	spike     *rate.Limiter
	sustained *rate.Limiter
}

func newDetector(cfg Anomaly) *detector {
	window := time.Duration(cfg.LookbackSeconds) * time.Second
	return &detector{
		cfg:       cfg,
		window:    window,
		spike:     rate.NewLimiter(rate.Every(window), 1),
		sustained: rate.NewLimiter(rate.Every(window), 1),
	}
}

func (d *detector) observe(now time.Time, total float64, ts string) []domain.Alert {
	var out []domain.Alert
	if n := len(d.samples); n > 0 {
		delta := total - d.samples[n-1].total
		if d.cfg.SpikeThreshold > 0 && delta > d.cfg.SpikeThreshold && d.spike.AllowN(now, 1) {
			out = append(out, domain.Alert{
				Level:     domain.AlertWarning,
				Type:      AlertTypeSpike,
				Target:    ScopeProject,
				Message:   fmt.Sprintf("spend jumped by %.2f since last poll (threshold %.2f)", delta, d.cfg.SpikeThreshold),
				Timestamp: ts,
			})
		}
	}
	d.samples = append(d.samples, sample{at: now, total: total})
	d.prune(now)

	if len(d.samples) >= minSustainedSamples && d.cfg.SustainedThreshold > 0 {
		oldest := d.samples[0]
		minutes := now.Sub(oldest.at).Minutes()
		if minutes > 0 {
			perMinute := (total - oldest.total) / minutes
			if perMinute > d.cfg.SustainedThreshold && d.sustained.AllowN(now, 1) {
				out = append(out, domain.Alert{
					Level:     domain.AlertInfo,
					Type:      AlertTypeSustained,
					Target:    ScopeProject,
					Message:   fmt.Sprintf("spending %.2f/min over the last %s (threshold %.2f/min)", perMinute, d.window, d.cfg.SustainedThreshold),
					Timestamp: ts,
				})
			}
		}
	}
	return out
}

func (d *detector) prune(now time.Time) {
	if d.window <= 0 {
		return
	}
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(d.samples)-1 && d.samples[i].at.Before(cutoff) {
		i++
	}
	d.samples = d.samples[i:]
}
