// Package reward scores a closed trading signal by replaying the candles of its
// window.
//
// The replay is a two-state machine. A signal starts unarmed and becomes armed
// on the first candle whose high reaches the entry price. Once armed, every
// candle (the arming one included) marks each untouched target whose price the
// high reached, then checks the stop-loss against the low. A stop breach ends
// the replay after the breaching candle.
//
// Calculate is a pure function of its inputs and is safe for concurrent use.
package reward

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/amirphl/signal-settler/internal/candle"
)

const (
	// TimeDecayBase is the per-hour decay applied to a reward or penalty.
	TimeDecayBase = 0.99999999
	// RankDecayBase is the per-rank decay applied to a target.
	RankDecayBase = 0.99

	millisPerHour = 3_600_000
)

var ErrInvalidParameters = errors.New("invalid parameters")

// Params is the immutable input of one reward computation.
type Params struct {
	EntryPoint float64
	StopLoss   float64
	// Targets are profit-taking prices; the slice position is the target rank.
	Targets     []float64
	WindowStart time.Time
}

// Options alter the replay rules.
type Options struct {
	// ScanForEntry keeps looking for an arming candle after the first one.
	// The default (false) reproduces the historical scoring, where a first
	// candle below the entry price ends the replay with a zero reward.
	ScanForEntry bool
}

// TargetOutcome is the replay state of one target.
type TargetOutcome struct {
	Index     int       `json:"index"`
	Value     float64   `json:"value"`
	Touched   bool      `json:"touched"`
	TouchedAt time.Time `json:"touchedAt,omitzero"`
}

// Outcome is the result of a reward computation.
type Outcome struct {
	Reward       float64         `json:"reward"`
	Armed        bool            `json:"armed"`
	ExitedByStop bool            `json:"exitedByStop"`
	ExitTime     time.Time       `json:"exitTime,omitzero"`
	Targets      []TargetOutcome `json:"targets"`
}

// TouchedCount returns how many targets were reached.
func (o Outcome) TouchedCount() int {
	n := 0
	for _, t := range o.Targets {
		if t.Touched {
			n++
		}
	}
	return n
}

// Validate checks the parameters without computing anything.
func (p Params) Validate() error {
	if len(p.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidParameters)
	}
	if !isFinite(p.EntryPoint) || p.EntryPoint <= 0 {
		return fmt.Errorf("%w: entry point must be a positive finite number, got %v", ErrInvalidParameters, p.EntryPoint)
	}
	if !isFinite(p.StopLoss) {
		return fmt.Errorf("%w: stop loss must be a finite number, got %v", ErrInvalidParameters, p.StopLoss)
	}
	for i, v := range p.Targets {
		if !isFinite(v) || v <= 0 {
			return fmt.Errorf("%w: target %d must be a positive finite number, got %v", ErrInvalidParameters, i, v)
		}
	}
	if p.WindowStart.IsZero() {
		return fmt.Errorf("%w: window start is required", ErrInvalidParameters)
	}
	return nil
}

// Calculate replays candles (ascending by timestamp) against the signal and
// returns its reward together with the per-target touch state.
//
// On each armed candle targets are checked before the stop, so a candle whose
// high reaches a target and whose low breaches the stop counts the touch and
// then exits. Such a signal takes the touched-targets branch, not the stop-only
// penalty.
func Calculate(candles []candle.Candle, p Params, opts Options) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Targets: make([]TargetOutcome, len(p.Targets))}
	for i, v := range p.Targets {
		out.Targets[i] = TargetOutcome{Index: i, Value: v}
	}

	for _, c := range candles {
		if !out.Armed {
			if c.High < p.EntryPoint {
				if opts.ScanForEntry {
					continue
				}
				return out, nil
			}
			out.Armed = true
		}

		for i := range out.Targets {
			t := &out.Targets[i]
			if !t.Touched && c.High >= t.Value {
				t.Touched = true
				t.TouchedAt = c.Timestamp
			}
		}

		if c.Low <= p.StopLoss {
			out.ExitedByStop = true
			out.ExitTime = c.Timestamp
			break
		}
	}

	out.Reward = resolve(out, p)
	return out, nil
}

func resolve(out Outcome, p Params) float64 {
	maxTouched := -1
	for i, t := range out.Targets {
		if t.Touched && (maxTouched < 0 || t.Index > out.Targets[maxTouched].Index) {
			maxTouched = i
		}
	}

	if maxTouched < 0 {
		if !out.ExitedByStop {
			return 0
		}
		distance := math.Abs(p.StopLoss-p.EntryPoint) / p.EntryPoint
		return -distance * TimeDecay(HoursBetween(p.WindowStart, out.ExitTime))
	}

	top := out.Targets[maxTouched]
	topDecay := TimeDecay(HoursBetween(top.TouchedAt, p.WindowStart))
	maxTouchedReward := ((top.Value - p.EntryPoint) / p.EntryPoint) * topDecay * RankDecay(top.Index)

	var touchedSum, notTouchedSum float64
	var touched, notTouched int
	for _, t := range out.Targets {
		if t.Touched {
			touchedSum += ((t.Value - p.EntryPoint) / p.EntryPoint) *
				TimeDecay(HoursBetween(t.TouchedAt, p.WindowStart)) * RankDecay(t.Index)
			touched++
			continue
		}
		// untouched targets share the top target's clock
		notTouchedSum += -((t.Value - top.Value) / top.Value) * topDecay * RankDecay(t.Index)
		notTouched++
	}

	return maxTouchedReward + mean(touchedSum, touched) + mean(notTouchedSum, notTouched)
}

// TimeDecay is TimeDecayBase^hours.
func TimeDecay(hours float64) float64 {
	return math.Pow(TimeDecayBase, hours)
}

// RankDecay is RankDecayBase^index.
func RankDecay(index int) float64 {
	return math.Pow(RankDecayBase, float64(index))
}

// HoursBetween returns |a-b| in hours at millisecond resolution.
func HoursBetween(a, b time.Time) float64 {
	ms := a.Sub(b).Milliseconds()
	if ms < 0 {
		ms = -ms
	}
	return float64(ms) / millisPerHour
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
