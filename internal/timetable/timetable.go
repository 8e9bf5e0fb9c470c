// Package timetable supplies the trading calendar (trading date plus the
// enabled-stream set) and the market-hours oracle. The calendar file is an
// external collaborator: failure to read it is fail-open and yields a
// computed fallback date with Available=false rather than an error.
package timetable

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snnn1/engine-watchdog/internal/observ"
)

type StreamDef struct {
	Name       string `yaml:"name"`
	Instrument string `yaml:"instrument"`
	Session    string `yaml:"session"`
	SlotTime   string `yaml:"slot_time"`
	Enabled    bool   `yaml:"enabled"`
}

type fileSchema struct {
	TradingDate string      `yaml:"trading_date"`
	Streams     []StreamDef `yaml:"streams"`
}

// Snapshot is one resolved view of the calendar. Available is false when the
// timetable file could not be read and the date had to be computed.
type Snapshot struct {
	TradingDate string
	Streams     []StreamDef
	Available   bool
}

// EnabledStreams returns the names of enabled streams.
func (s Snapshot) EnabledStreams() map[string]StreamDef {
	out := make(map[string]StreamDef)
	for _, d := range s.Streams {
		if d.Enabled {
			out[d.Name] = d
		}
	}
	return out
}

type Provider struct {
	path         string
	rolloverHour int

	now func() time.Time
}

func NewProvider(path string, rolloverHour int) *Provider {
	return &Provider{path: path, rolloverHour: rolloverHour, now: time.Now}
}

// Current resolves the calendar. Never returns an error: on any failure the
// trading date is computed from local time and the rollover hour, with an
// empty stream set.
func (p *Provider) Current() Snapshot {
	b, err := os.ReadFile(p.path)
	if err != nil {
		observ.Debug("timetable_unavailable", map[string]any{"path": p.path, "error": err.Error()})
		return Snapshot{TradingDate: p.fallbackDate(), Available: false}
	}
	var f fileSchema
	if err := yaml.Unmarshal(b, &f); err != nil {
		observ.Warn("timetable_parse_error", map[string]any{"path": p.path, "error": err.Error()})
		return Snapshot{TradingDate: p.fallbackDate(), Available: false}
	}
	date := f.TradingDate
	if date == "" {
		date = p.fallbackDate()
	}
	return Snapshot{TradingDate: date, Streams: f.Streams, Available: true}
}

// fallbackDate computes the trading date from local wall-clock: the session
// rolls to the next calendar day at the rollover hour, and a Saturday rolls
// to Monday.
func (p *Provider) fallbackDate() string {
	t := p.now()
	if t.Hour() >= p.rolloverHour {
		t = t.AddDate(0, 0, 1)
	}
	if t.Weekday() == time.Saturday {
		t = t.AddDate(0, 0, 2)
	}
	return fmt.Sprintf("%04d-%02d-%02d", t.Year(), t.Month(), t.Day())
}

// Hours is the market-hours oracle: a pure function of local time. CloseHour
// below OpenHour models an overnight futures session with a daily maintenance
// break and a weekend gap from Friday close to Sunday open. OpenHour below
// CloseHour models a plain day session with the weekend fully closed.
type Hours struct {
	OpenHour  int
	CloseHour int
}

func (h Hours) overnight() bool { return h.CloseHour < h.OpenHour }

func (h Hours) IsOpen(local time.Time) bool {
	hour := local.Hour()
	switch local.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		if h.overnight() {
			return hour >= h.OpenHour
		}
		return false
	case time.Friday:
		if h.overnight() {
			return hour < h.CloseHour
		}
		return hour >= h.OpenHour && hour < h.CloseHour
	default:
		if h.overnight() {
			// Daily maintenance break between close and re-open.
			return hour < h.CloseHour || hour >= h.OpenHour
		}
		return hour >= h.OpenHour && hour < h.CloseHour
	}
}
