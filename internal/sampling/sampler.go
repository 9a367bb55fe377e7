// Package sampling implements the sampler chain applied to model logits:
// repetition penalty, top-k shortlist with temperature scaling, softmax,
// min-p and nucleus (top-p) truncation, and a final categorical draw.
package sampling

import (
	"math"
	"math/rand"
	"time"
)

// Config configures the behaviour of a Sampler. A negative Seed selects an
// entropy-derived seed; a non-negative Seed makes the draw sequence
// reproducible.
type Config struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

type Sampler struct {
	rng      *rand.Rand
	cfg      Config
	greedy   bool
	topIdx   []int
	topVal   []float32
	prob     []float64
	seenMark []uint32
	seenEp   uint32
	seenList []int
}

// New returns a sampler with the provided configuration. Out-of-range
// fields fall back to usable defaults.
func New(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single token index from logits. recent is the tail of the
// generated sequence used for the repetition penalty; exempt lists ids the
// penalty must never touch (typically stop/EOS tokens).
//
// The chain: penalize repeats, shortlist the top-k logits scaled by inverse
// temperature, softmax the shortlist, drop entries below MinP relative to
// the head, cut the tail once cumulative probability reaches TopP, then
// draw from what remains.
func (s *Sampler) Sample(logits []float32, recent []int, exempt []int) int {
	s.penalizeRepeats(logits, recent, exempt)

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return argmax(logits)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := min(s.cfg.TopK, len(logits))

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	for i := 1; i < len(topVal); i++ {
		if topVal[i] > maxv {
			maxv = topVal[i]
		}
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		newLen := 0
		var newSum float64
		for i := 0; i < len(prob); i++ {
			if prob[i] >= threshold {
				prob[newLen] = prob[i]
				topIdx[newLen] = topIdx[i]
				newSum += prob[i]
				newLen++
			}
		}
		if newLen < len(prob) {
			prob = prob[:newLen]
			if newSum > 0 {
				scale := 1.0 / newSum
				for i := range prob {
					prob[i] *= scale
				}
			}
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

func (s *Sampler) penalizeRepeats(logits []float32, recent []int, exempt []int) {
	if s.cfg.RepeatPenalty <= 1.0 || len(recent) == 0 {
		return
	}
	start := max(len(recent)-s.cfg.RepeatLastN, 0)
	window := recent[start:]

	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEp++
	if s.seenEp == 0 {
		for i := range s.seenMark {
			s.seenMark[i] = 0
		}
		s.seenEp = 1
	}
	s.seenList = s.seenList[:0]

	for _, id := range window {
		if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEp {
			s.seenMark[id] = s.seenEp
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range exempt {
		if id >= 0 && id < len(logits) {
			s.seenMark[id] = 0
		}
	}
	for _, id := range s.seenList {
		if id < 0 || id >= len(logits) || s.seenMark[id] != s.seenEp {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// argmax returns the index of the maximum value. Panics on an empty slice.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("sampling: argmax of empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns indices and values of the k largest logits scaled by invTemp,
// ordered descending. O(V*K), fine for the small K used here.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
