// Package evaluation holds the scoring arithmetic shared by the lifecycle,
// knowledge and exploration components. Every score it returns is finite and
// clamped, and empty inputs score 0.
package evaluation

import "math"

func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Running keeps a mean and variance in one pass (Welford).
type Running struct {
	N    int
	Mean float64
	M2   float64
}

func (r *Running) Add(x float64) {
	r.N++
	delta := x - r.Mean
	r.Mean += delta / float64(r.N)
	r.M2 += delta * (x - r.Mean)
}

// Variance is the population variance; 0 for fewer than two samples.
func (r Running) Variance() float64 {
	if r.N < 2 {
		return 0
	}
	return r.M2 / float64(r.N)
}

func (r Running) StdDev() float64 {
	return math.Sqrt(r.Variance())
}

// Sample summarises the conversations behind one side of a comparison.
type Sample struct {
	Completion   Running
	Satisfaction Running
}

func (s *Sample) Add(completion float64, satisfaction *float64) {
	s.Completion.Add(completion)
	if satisfaction != nil {
		s.Satisfaction.Add(*satisfaction)
	}
}

type EffectivenessWeights struct {
	Completion   float64
	Satisfaction float64
	// LiftScale converts a weighted lift in percentage points into score points.
	LiftScale float64
}

// Effectiveness scores a rule's conversations against the population baseline.
// 50 means no lift; the result is clamped to [0,100] and is 0 when the rule
// has no samples.
func Effectiveness(rule, baseline Sample, w EffectivenessWeights) float64 {
	if rule.Completion.N == 0 {
		return 0
	}

	completionLift := rule.Completion.Mean - baseline.Completion.Mean
	var satisfactionLift float64
	satWeight := w.Satisfaction
	if rule.Satisfaction.N > 0 && baseline.Satisfaction.N > 0 {
		satisfactionLift = rule.Satisfaction.Mean - baseline.Satisfaction.Mean
	} else {
		satWeight = 0
	}

	total := w.Completion + satWeight
	if total <= 0 {
		return 50
	}
	lift := (w.Completion*completionLift + satWeight*satisfactionLift) / total

	scale := w.LiftScale
	if scale <= 0 {
		scale = 1
	}
	return Clamp(50+lift*scale, 0, 100)
}

// Confidence grows with sample size up to target and is cut by up to half
// when samples disagree (stddev on a 0-100 scale).
func Confidence(n, target int, stddev float64) float64 {
	if n <= 0 {
		return 0
	}
	if target <= 0 {
		target = 1
	}
	size := math.Min(100, float64(n)/float64(target)*100)
	penalty := math.Min(0.5, math.Max(0, stddev)/100)
	return Clamp(size*(1-penalty), 0, 100)
}

// Decision is the outcome of comparing two means with a practical margin.
type Decision int

const (
	Undecided Decision = iota
	FirstWins
	SecondWins
	NoDifference
)

// CompareMeans returns Undecided until both sides have minSample observations.
func CompareMeans(a, b Running, minSample int, margin float64) Decision {
	if a.N < minSample || b.N < minSample || a.N == 0 || b.N == 0 {
		return Undecided
	}
	diff := a.Mean - b.Mean
	switch {
	case diff >= margin:
		return FirstWins
	case -diff >= margin:
		return SecondWins
	default:
		return NoDifference
	}
}
