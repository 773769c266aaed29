package activity

import "github.com/MrWong99/cadenza/pkg/transform"

const (
	// DefaultStrength is the initial value of a freshly inserted peak.
	DefaultStrength = 1.0

	// DefaultThreshold is the value under which a peak is considered extinct
	// and pruned by [Pattern.Update].
	DefaultThreshold = 0.05
)

// Option configures a [Pattern] during construction.
type Option func(*Pattern)

// WithDecay sets the decay policy. The default is [Exponential] with
// [DefaultTau].
func WithDecay(d Decay) Option {
	return func(p *Pattern) {
		if d != nil {
			p.decay = d
		}
	}
}

// WithThreshold sets the extinction threshold.
func WithThreshold(v float64) Option {
	return func(p *Pattern) {
		if v >= 0 {
			p.threshold = v
		}
	}
}

// peak is a stored peak: its value and corpus time at birth.
type peak struct {
	origin    float64
	strength  float64
	born      float64 // virtual time (beats) of insertion
	transform transform.Transform
}

// Pattern is the decaying activity of one atom. It is not safe for
// concurrent use.
type Pattern struct {
	decay     Decay
	threshold float64
	peaks     []peak
}

// NewPattern returns an empty pattern.
func NewPattern(opts ...Option) *Pattern {
	p := &Pattern{
		decay:     Exponential{Tau: DefaultTau},
		threshold: DefaultThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Insert adds one peak per entry of peaks at virtual time now. Each entry's
// Time is the corpus time matched and Value its initial strength.
func (p *Pattern) Insert(now float64, peaks ...Peak) {
	for _, pk := range peaks {
		p.peaks = append(p.peaks, peak{origin: pk.Time, strength: pk.Value, born: now, transform: pk.Transform})
	}
}

// Update prunes peaks whose value at now has fallen under the extinction
// threshold.
func (p *Pattern) Update(now float64) {
	kept := p.peaks[:0]
	for _, pk := range p.peaks {
		if v := p.value(pk, now); v > 0 && v >= p.threshold {
			kept = append(kept, pk)
		}
	}
	clear(p.peaks[len(kept):])
	p.peaks = kept
}

// Profile samples the pattern at virtual time now without modifying it.
// Peaks have advanced in corpus time by the beats elapsed since insertion.
func (p *Pattern) Profile(now float64) Profile {
	out := make(Profile, 0, len(p.peaks))
	for _, pk := range p.peaks {
		v := p.value(pk, now)
		if v <= 0 {
			continue
		}
		out = append(out, Peak{
			Time:      pk.origin + max(0, now-pk.born),
			Value:     v,
			Transform: pk.transform,
		})
	}
	return fold(out)
}

// Len returns the number of stored peaks.
func (p *Pattern) Len() int { return len(p.peaks) }

// Reset removes every peak.
func (p *Pattern) Reset() {
	p.peaks = nil
}

func (p *Pattern) value(pk peak, now float64) float64 {
	return pk.strength * p.decay.Factor(now-pk.born)
}
