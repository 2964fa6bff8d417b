package crdt

import "math"

// hotnessEpoch is the reference instant of hotness, in unix seconds
const hotnessEpoch = 1134028003

// confidenceZ is the normal quantile of an 80% confidence level
const confidenceZ = 1.281551565545

// Confidence is the lower bound of the Wilson score interval of the up ratio
func Confidence(up, down int) float64 {
	n := float64(up + down)
	if n == 0 {
		return 0
	}
	z := confidenceZ
	phat := float64(up) / n
	center := phat + z*z/(2*n)
	spread := z * math.Sqrt((phat*(1-phat)+z*z/(4*n))/n)
	return (center - spread) / (1 + z*z/n)
}

// Hotness decays the score with the age of the item. Dates are unix seconds;
// every 45000 seconds weigh as much as a tenfold score.
func Hotness(date int64, up, down int) float64 {
	score := up - down
	order := math.Log10(math.Max(math.Abs(float64(score)), 1))
	var sign int64
	switch {
	case score > 0:
		sign = 1
	case score < 0:
		sign = -1
	}
	seconds := date - hotnessEpoch
	return order + float64(sign*seconds/45000)
}

// Controversy is high when many votes are split evenly
func Controversy(up, down int) float64 {
	diff := up - down
	if diff < 0 {
		diff = -diff
	}
	return float64(up+down) / float64(max(diff, 1))
}
