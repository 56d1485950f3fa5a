package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// number accepts a JSON number or a numeric string. Absence is modeled by a
// nil *number, never by a zero value.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			// "N/A" and friends read as absent
			v = math.NaN()
		}
		*n = number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = number(v)
	return nil
}

// positive returns the value only if it is present, finite and above zero.
func positive(n *number) (float64, bool) {
	if n == nil {
		return 0, false
	}
	v := float64(*n)
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

func firstPositive(ns ...*number) (float64, bool) {
	for _, n := range ns {
		if v, ok := positive(n); ok {
			return v, true
		}
	}
	return 0, false
}

func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// stamp accepts ISO-8601 strings (naive ones are UTC) and unix epochs in
// seconds or milliseconds.
type stamp struct {
	time.Time
}

func (s *stamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		// unparseable stamps stay zero and are skipped by firstTime
		s.Time, _ = parseTime(str)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s.Time = fromEpoch(v)
	return nil
}

func parseTime(str string) (time.Time, error) {
	str = strings.TrimSpace(str)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, str); err == nil {
			return t.UTC(), nil
		}
	}
	if v, err := strconv.ParseFloat(str, 64); err == nil {
		return fromEpoch(v), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", str)
}

func fromEpoch(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func firstTime(ss ...*stamp) (time.Time, bool) {
	for _, s := range ss {
		if s != nil && !s.IsZero() {
			return s.Time, true
		}
	}
	return time.Time{}, false
}

type tokenMeta struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

func firstMeta(ms ...*tokenMeta) (string, string) {
	var symbol, name string
	for _, m := range ms {
		if m == nil {
			continue
		}
		if symbol == "" {
			symbol = m.Symbol
		}
		if name == "" {
			name = m.Name
		}
	}
	return symbol, name
}
