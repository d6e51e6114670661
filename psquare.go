package tickloop

import (
	"math"
	"sort"
)

// pSquare implements the P-Square algorithm for streaming quantile
// estimation: O(1) per-observation updates and O(1) retrieval, without
// storing observations.
//
// Reference:
// Jain, R. and Chlamtac, I. (1985). "The P² Algorithm for Dynamic Calculation
// of Quantiles and Histograms Without Storing Observations". Communications
// of the ACM, 28(10), pp. 1076-1085.
//
// Thread Safety: NOT thread-safe. Caller must ensure synchronization.
type pSquare struct {
	// p is the target quantile (0.0 to 1.0).
	p float64

	// q stores the 5 marker heights.
	q [5]float64

	// n stores the 5 actual marker positions.
	n [5]int

	// np stores the 5 desired marker positions.
	np [5]float64

	// dn stores the desired position increments.
	dn [5]float64

	// count is the total number of observations received.
	count int

	// buf stores the first 5 observations before the algorithm starts.
	buf [5]float64
}

// newPSquare creates an estimator for quantile p in [0.0, 1.0].
func newPSquare(p float64) *pSquare {
	p = math.Min(math.Max(p, 0), 1)
	return &pSquare{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// Update adds an observation.
func (ps *pSquare) Update(x float64) {
	if ps.count < 5 {
		ps.buf[ps.count] = x
		ps.count++
		if ps.count == 5 {
			ps.initialize()
		}
		return
	}
	ps.count++

	// Locate the cell k such that q[k] <= x < q[k+1], extending the extreme
	// markers as needed.
	var k int
	switch {
	case x < ps.q[0]:
		ps.q[0] = x
		k = 0
	case x >= ps.q[4]:
		ps.q[4] = x
		k = 3
	default:
		for i := 1; i < 5; i++ {
			if x < ps.q[i] {
				k = i - 1
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		ps.n[i]++
	}
	for i := 0; i < 5; i++ {
		ps.np[i] += ps.dn[i]
	}

	// Adjust the interior markers toward their desired positions.
	for i := 1; i <= 3; i++ {
		d := ps.np[i] - float64(ps.n[i])
		if (d >= 1 && ps.n[i+1]-ps.n[i] > 1) || (d <= -1 && ps.n[i-1]-ps.n[i] < -1) {
			s := 1
			if d < 0 {
				s = -1
			}
			if qn := ps.parabolic(i, s); ps.q[i-1] < qn && qn < ps.q[i+1] {
				ps.q[i] = qn
			} else {
				ps.q[i] = ps.linear(i, s)
			}
			ps.n[i] += s
		}
	}
}

// initialize seeds the markers from the first five observations.
func (ps *pSquare) initialize() {
	sort.Float64s(ps.buf[:])
	for i := 0; i < 5; i++ {
		ps.q[i] = ps.buf[i]
		ps.n[i] = i
	}
	p := ps.p
	ps.np = [5]float64{0, 2 * p, 4 * p, 2 + 2*p, 4}
}

// parabolic is the P² piecewise-parabolic prediction for marker i moved by s.
func (ps *pSquare) parabolic(i, s int) float64 {
	fs := float64(s)
	ni := float64(ps.n[i])
	nm := float64(ps.n[i-1])
	np := float64(ps.n[i+1])
	return ps.q[i] + fs/(np-nm)*((ni-nm+fs)*(ps.q[i+1]-ps.q[i])/(np-ni)+
		(np-ni-fs)*(ps.q[i]-ps.q[i-1])/(ni-nm))
}

// linear is the fallback linear prediction for marker i moved by s.
func (ps *pSquare) linear(i, s int) float64 {
	return ps.q[i] + float64(s)*(ps.q[i+s]-ps.q[i])/float64(ps.n[i+s]-ps.n[i])
}

// Value returns the current quantile estimate. With fewer than five
// observations it falls back to an exact computation over the buffer.
func (ps *pSquare) Value() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		sorted := make([]float64, ps.count)
		copy(sorted, ps.buf[:ps.count])
		sort.Float64s(sorted)
		idx := int(math.Ceil(ps.p*float64(ps.count))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	return ps.q[2]
}
