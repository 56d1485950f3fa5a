package tracker

import (
	"sort"

	"github.com/camuig/signal-tracker/internal/signal"
)

// Summary aggregates a set of finalized signals.
type Summary struct {
	TotalTokens               int     `json:"total_tokens"`
	Wins                      int     `json:"wins"`
	Losses                    int     `json:"losses"`
	SuccessRate               float64 `json:"success_rate"`
	AverageATHROI             float64 `json:"average_ath_roi"`
	MaxATHROI                 float64 `json:"max_ath_roi"`
	AverageFinalROI           float64 `json:"average_final_roi"`
	WinLossRatio              float64 `json:"win_loss_ratio"`
	AvgTimeToATHMinutes       float64 `json:"avg_time_to_ath_minutes"`
	AvgTimeToThresholdMinutes float64 `json:"avg_time_to_threshold_minutes"`
}

func Summarize(tokens []TrackedSignal) Summary {
	var (
		s                                Summary
		athSum, finalSum, ttaSum, tttSum float64
		ttaCount, tttCount               int
	)
	for i, tok := range tokens {
		s.TotalTokens++
		if tok.Status == StatusWin {
			s.Wins++
		} else {
			s.Losses++
		}
		athSum += tok.ATHROI
		if i == 0 || tok.ATHROI > s.MaxATHROI {
			s.MaxATHROI = tok.ATHROI
		}
		finalSum += tok.FinalROI
		if tok.ATHROI > 0 {
			ttaSum += tok.TimeToATHMinutes
			ttaCount++
		}
		if tok.TimeToThresholdMinutes != nil {
			tttSum += *tok.TimeToThresholdMinutes
			tttCount++
		}
	}
	if s.TotalTokens == 0 {
		return s
	}
	n := float64(s.TotalTokens)
	s.SuccessRate = float64(s.Wins) / n * 100
	s.AverageATHROI = athSum / n
	s.AverageFinalROI = finalSum / n
	if s.Losses > 0 {
		s.WinLossRatio = float64(s.Wins) / float64(s.Losses)
	} else {
		s.WinLossRatio = float64(s.Wins)
	}
	if ttaCount > 0 {
		s.AvgTimeToATHMinutes = ttaSum / float64(ttaCount)
	}
	if tttCount > 0 {
		s.AvgTimeToThresholdMinutes = tttSum / float64(tttCount)
	}
	return s
}

// DailyArchive holds the signals of one type finalized for one entry date.
// Inserts are idempotent per mint and signal type.
type DailyArchive struct {
	Date       string          `json:"date"`
	SignalType signal.Kind     `json:"signal_type"`
	Tokens     []TrackedSignal `json:"tokens"`
	Summary    Summary         `json:"summary"`
}

// Add appends s unless it is already archived.
func (a *DailyArchive) Add(s TrackedSignal) bool {
	key := s.Key()
	for i := range a.Tokens {
		if a.Tokens[i].Key() == key {
			return false
		}
	}
	a.Tokens = append(a.Tokens, s)
	return true
}

// Recompute rebuilds the summary from the full token list.
func (a *DailyArchive) Recompute() {
	a.Summary = Summarize(a.Tokens)
}

// TopToken is one entry of a leaderboard.
type TopToken struct {
	Mint   string  `json:"mint"`
	Symbol string  `json:"symbol,omitempty"`
	ATHROI float64 `json:"ath_roi"`
	Status Status  `json:"status"`
}

func topTokens(tokens []TrackedSignal, n int) []TopToken {
	sorted := append([]TrackedSignal(nil), tokens...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ATHROI > sorted[j].ATHROI })
	out := make([]TopToken, 0, min(n, len(sorted)))
	for _, s := range sorted[:min(n, len(sorted))] {
		out = append(out, TopToken{Mint: s.Mint, Symbol: s.Symbol, ATHROI: s.ATHROI, Status: s.Status})
	}
	return out
}
