package fusion

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tutor-agent/backend/pkg/logger"
)

// ErrNoAnswer is the explicit "not found" sentinel: every candidate fell
// below the acceptance threshold, so the engine must not fabricate
// content.
var ErrNoAnswer = errors.New("no candidate above the acceptance threshold")

const (
	StrategyWeighted = "weighted"
	StrategyRRF      = "rrf"
)

type Config struct {
	Strategy     string
	ChunkWeight  float64
	KBWeight     float64
	QAWeight     float64
	MaxKBEntries int
	MaxQAMatches int
	QAFloor      float64
	RRFK         int
	MinScore     float64
}

// Fuser merges the three candidate lists into one ranking. The weighted
// strategy is the default: our sources all emit calibrated 0..1 scores.
// RRF stays selectable for deployments with uncalibrated indexes.
type Fuser struct {
	cfg    Config
	scorer *CACS
}

func NewFuser(cfg Config, scorer *CACS) (*Fuser, error) {
	switch cfg.Strategy {
	case StrategyWeighted, StrategyRRF:
	default:
		return nil, fmt.Errorf("unknown fusion strategy %q", cfg.Strategy)
	}
	if cfg.MaxKBEntries == 0 {
		cfg.MaxKBEntries = 2
	}
	if cfg.MaxQAMatches == 0 {
		cfg.MaxQAMatches = 3
	}
	if cfg.RRFK == 0 {
		cfg.RRFK = 60
	}
	return &Fuser{cfg: cfg, scorer: scorer}, nil
}

// Fuse computes base scores per the configured strategy, reweights with
// CACS, drops candidates below the minimum and returns the descending
// ranking. Returns ErrNoAnswer when nothing survives.
func (f *Fuser) Fuse(chunks, entries, qaMatches []Candidate, signals Signals) ([]Result, error) {
	entries = topN(entries, f.cfg.MaxKBEntries)
	qaMatches = topN(filterFloor(qaMatches, f.cfg.QAFloor), f.cfg.MaxQAMatches)

	var results []Result
	switch f.cfg.Strategy {
	case StrategyRRF:
		results = f.rankFuse(chunks, entries, qaMatches)
	default:
		results = f.weightedFuse(chunks, entries, qaMatches)
	}

	for i := range results {
		results[i].FinalScore = f.scorer.Score(results[i].FinalScore, results[i].Candidate, signals)
	}

	kept := results[:0]
	for _, r := range results {
		if r.FinalScore >= f.cfg.MinScore {
			kept = append(kept, r)
		}
	}

	if len(kept) == 0 {
		logger.Debug("All candidates below acceptance threshold",
			zap.Float64("min_score", f.cfg.MinScore),
			zap.Int("dropped", len(results)),
		)
		return nil, ErrNoAnswer
	}

	sortResults(kept)
	for i := range kept {
		kept[i].Rank = i + 1
	}

	return kept, nil
}

func (f *Fuser) weightedFuse(chunks, entries, qaMatches []Candidate) []Result {
	results := make([]Result, 0, len(chunks)+len(entries)+len(qaMatches))

	weight := func(k Kind) float64 {
		switch k {
		case KindChunk:
			return f.cfg.ChunkWeight
		case KindKnowledge:
			return f.cfg.KBWeight
		case KindQA:
			return f.cfg.QAWeight
		default:
			return 0
		}
	}

	for _, group := range [][]Candidate{chunks, entries, qaMatches} {
		for _, c := range group {
			results = append(results, Result{
				Candidate:  c,
				FinalScore: clamp01(c.RawScore) * weight(c.Kind),
			})
		}
	}

	return results
}

// rankFuse ignores source-local score magnitudes entirely: every list
// contributes 1/(k+rank) per candidate.
func (f *Fuser) rankFuse(chunks, entries, qaMatches []Candidate) []Result {
	k := float64(f.cfg.RRFK)
	results := make([]Result, 0, len(chunks)+len(entries)+len(qaMatches))

	for _, group := range [][]Candidate{chunks, entries, qaMatches} {
		sorted := append([]Candidate(nil), group...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].RawScore > sorted[j].RawScore
		})
		for rank, c := range sorted {
			results = append(results, Result{
				Candidate:  c,
				FinalScore: 1.0 / (k + float64(rank+1)),
			})
		}
	}

	return results
}

// sortResults orders by final score descending, breaking ties by kind
// (QA, knowledge, chunk) then id so rankings are deterministic.
func sortResults(results []Result) {
	priority := func(k Kind) int {
		switch k {
		case KindQA:
			return 0
		case KindKnowledge:
			return 1
		default:
			return 2
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		if priority(results[i].Kind) != priority(results[j].Kind) {
			return priority(results[i].Kind) < priority(results[j].Kind)
		}
		return results[i].ID < results[j].ID
	})
}

func topN(candidates []Candidate, n int) []Candidate {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RawScore > sorted[j].RawScore
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func filterFloor(candidates []Candidate, floor float64) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RawScore >= floor {
			out = append(out, c)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
