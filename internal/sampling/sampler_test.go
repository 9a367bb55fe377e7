package sampling

import "testing"

func TestSamplerDeterministicWithSeed(t *testing.T) {
	logs1 := []float32{0, 1, 2, 3, 4, 5}
	logs2 := []float32{0, 1, 2, 3, 4, 5}
	s1 := New(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := New(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	a := s1.Sample(logs1, nil, nil)
	b := s2.Sample(logs2, nil, nil)
	if a != b {
		t.Fatalf("same seed diverged: %d vs %d", a, b)
	}
}

func TestSamplerGreedyAtZeroTemperature(t *testing.T) {
	logs := []float32{-1, 5, 3, 7, 2}
	s := New(Config{Seed: 99, Temperature: 0})
	if idx := s.Sample(logs, nil, nil); idx != 3 {
		t.Fatalf("greedy index = %d, want 3", idx)
	}
}

func TestSamplerTopPRestrictsToHead(t *testing.T) {
	// Index 0 dominates after softmax, so TopP=0.5 keeps only it.
	s := New(Config{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 20; i++ {
		logs := []float32{10, 0, 0, 0, 0}
		if idx := s.Sample(logs, nil, nil); idx != 0 {
			t.Fatalf("nucleus sampling escaped the head: %d", idx)
		}
	}
}

func TestSamplerRepeatPenaltyExemption(t *testing.T) {
	// Token 1 is heavily favored and recently used; penalty should pull it
	// below token 0 unless exempted.
	cfg := Config{Seed: 1, Temperature: 0, RepeatPenalty: 10, RepeatLastN: 8}

	logs := []float32{1.0, 1.5}
	s := New(cfg)
	if idx := s.Sample(logs, []int{1}, nil); idx != 0 {
		t.Fatalf("penalized sample = %d, want 0", idx)
	}

	logs = []float32{1.0, 1.5}
	s = New(cfg)
	if idx := s.Sample(logs, []int{1}, []int{1}); idx != 1 {
		t.Fatalf("exempted sample = %d, want 1", idx)
	}
}

func TestSamplerNegativeSeedStillSamples(t *testing.T) {
	s := New(Config{Seed: -1, Temperature: 0.8, TopK: 4, TopP: 0.9})
	logs := []float32{1, 2, 3, 4}
	idx := s.Sample(logs, nil, nil)
	if idx < 0 || idx >= len(logs) {
		t.Fatalf("sample out of range: %d", idx)
	}
}
