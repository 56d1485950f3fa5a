package tracker

import (
	"time"

	"github.com/camuig/signal-tracker/internal/signal"
)

type Status string

const (
	StatusActive Status = "active"
	StatusWin    Status = "win"
	StatusLoss   Status = "loss"
)

// TrackedSignal is the outcome record of one signal. Status only moves
// active->win or active->loss, and win is never undone.
type TrackedSignal struct {
	Mint       string      `json:"mint"`
	SignalType signal.Kind `json:"signal_type"`
	Symbol     string      `json:"symbol,omitempty"`
	Name       string      `json:"name,omitempty"`
	Grade      string      `json:"grade,omitempty"`

	EntryPrice     float64   `json:"entry_price"`
	EntryMarketCap float64   `json:"entry_market_cap"`
	EntryLiquidity float64   `json:"entry_liquidity"`
	EntryTime      time.Time `json:"entry_time"`

	TokenAgeHours         *float64  `json:"token_age_hours,omitempty"`
	PollIntervalSeconds   int       `json:"poll_interval_seconds"`
	TrackingDurationHours float64   `json:"tracking_duration_hours"`
	TrackingEndTime       time.Time `json:"tracking_end_time"`

	CurrentPrice     float64   `json:"current_price"`
	CurrentROI       float64   `json:"current_roi"`
	ATHPrice         float64   `json:"ath_price"`
	ATHROI           float64   `json:"ath_roi"`
	ATHTime          time.Time `json:"ath_time"`
	TimeToATHMinutes float64   `json:"time_to_ath_minutes"`

	Status                 Status     `json:"status"`
	HitThreshold           bool       `json:"hit_threshold"`
	HitThresholdTime       *time.Time `json:"hit_threshold_time,omitempty"`
	TimeToThresholdMinutes *float64   `json:"time_to_threshold_minutes,omitempty"`

	ConsecutiveFailures int        `json:"consecutive_failures"`
	RetryStartTime      *time.Time `json:"retry_start_time,omitempty"`
	LastPriceCheck      time.Time  `json:"last_price_check,omitzero"`
	LastSuccessfulPrice float64    `json:"last_successful_price"`
	LastPriceSource     string     `json:"last_price_source,omitempty"`

	FinalPrice          float64    `json:"final_price,omitempty"`
	FinalROI            float64    `json:"final_roi,omitempty"`
	TrackingCompletedAt *time.Time `json:"tracking_completed_at,omitempty"`
}

func (s *TrackedSignal) Key() string {
	return signal.Key(s.Mint, s.SignalType)
}

// EntryDate is the archive bucket of the signal.
func (s *TrackedSignal) EntryDate() string {
	return s.EntryTime.UTC().Format(time.DateOnly)
}

func (s *TrackedSignal) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func roi(price, entry float64) float64 {
	if entry <= 0 {
		return 0
	}
	return (price - entry) / entry * 100
}

// ApplyPrice records an accepted price. It reports whether this update is
// the one that crossed the win threshold.
func (s *TrackedSignal) ApplyPrice(price float64, source string, now time.Time, winThreshold float64) bool {
	s.CurrentPrice = price
	s.CurrentROI = roi(price, s.EntryPrice)
	s.LastSuccessfulPrice = price
	s.LastPriceSource = source
	s.LastPriceCheck = now
	s.ConsecutiveFailures = 0
	s.RetryStartTime = nil

	if price > s.ATHPrice {
		s.ATHPrice = price
		s.ATHROI = roi(price, s.EntryPrice)
		s.ATHTime = now
		s.TimeToATHMinutes = now.Sub(s.EntryTime).Minutes()
	}

	if s.Status != StatusActive || s.HitThreshold || s.CurrentROI < winThreshold {
		return false
	}
	s.Status = StatusWin
	s.HitThreshold = true
	hit := now
	s.HitThresholdTime = &hit
	minutes := now.Sub(s.EntryTime).Minutes()
	s.TimeToThresholdMinutes = &minutes
	return true
}

// RecordFailure counts a cycle without an accepted price. Status is untouched.
func (s *TrackedSignal) RecordFailure(now time.Time) {
	s.ConsecutiveFailures++
	s.LastPriceCheck = now
	if s.RetryStartTime == nil {
		start := now
		s.RetryStartTime = &start
	}
}

// RetryExpired applies the retry duration policy. A zero window never expires.
func (s *TrackedSignal) RetryExpired(now time.Time, window time.Duration) bool {
	return window > 0 && s.RetryStartTime != nil && now.Sub(*s.RetryStartTime) >= window
}

// Due reports whether the signal should be polled at now. Failing signals
// use the retry cadence.
func (s *TrackedSignal) Due(now time.Time, retryInterval time.Duration) bool {
	if s.LastPriceCheck.IsZero() {
		return true
	}
	interval := s.PollInterval()
	if s.ConsecutiveFailures > 0 && retryInterval > 0 {
		interval = retryInterval
	}
	return now.Sub(s.LastPriceCheck) >= interval
}

// Finalize closes tracking. The final price is the last accepted one, or 0
// if no price was ever accepted.
func (s *TrackedSignal) Finalize(now time.Time) {
	if s.Status != StatusWin {
		s.Status = StatusLoss
	}
	s.FinalPrice = s.LastSuccessfulPrice
	if s.FinalPrice > 0 {
		s.FinalROI = roi(s.FinalPrice, s.EntryPrice)
	} else {
		s.FinalROI = -100
	}
	done := now
	s.TrackingCompletedAt = &done
}
