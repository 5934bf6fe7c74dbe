package scanner

import (
	"context"
	"slices"
	"sort"
	"strings"

	"dedupe/internal/catalog"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/logging"
)

// Match is an existing record that resembles a prospective one.
type Match struct {
	Record     catalog.Record
	Method     detection.Method
	Score      float64
	Components map[string]float64
	// RuleID and RuleName name the detection rule that matched; zero when
	// the configured scan methods were used.
	RuleID   int64
	RuleName string
	// Blocking is set when a blocking rule matched; the record should not
	// be created without review.
	Blocking bool
}

// Check scores a prospective record against the records of scope that
// share a block with it. Nothing is written; it answers "would adding this
// record create a duplicate?" before the record exists.
func (s *Scanner) Check(ctx context.Context, candidate catalog.Record, scope catalog.Scope) ([]Match, error) {
	if strings.TrimSpace(candidate.Title) == "" && strings.TrimSpace(candidate.Identifier) == "" {
		return nil, dedupeerr.Validation("scanner", "check needs a title or an identifier")
	}
	index, err := s.buildIndex(ctx, scope, 0)
	if err != nil {
		return nil, dedupeerr.Wrap(dedupeerr.ErrTransaction, "scanner", "check", "build block index", err)
	}
	// The candidate is not in the index yet, so singleton blocks still
	// matter here; only oversized blocks are dropped.
	for key, bm := range index.blocks {
		if s.cfg.MaxBlockSize > 0 && bm.GetCardinality() > uint64(s.cfg.MaxBlockSize) {
			delete(index.blocks, key)
		}
	}

	evaluators, err := s.evaluators(ctx)
	if err != nil {
		return nil, dedupeerr.Wrap(dedupeerr.ErrTransaction, "scanner", "check", "load detection rules", err)
	}

	byID := make(map[int64]*catalog.Record)
	if err := s.fetch(ctx, index.mates(&candidate, 0), byID); err != nil {
		return nil, dedupeerr.Wrap(dedupeerr.ErrTransaction, "scanner", "check", "load block mates", err)
	}

	var matches []Match
	for _, rec := range byID {
		var decided []detection.Method
		repositoryID := pairRepository(&candidate, rec)
		for _, ev := range evaluators {
			if !ev.appliesTo(repositoryID) || slices.Contains(decided, ev.strategy.Method()) {
				continue
			}
			decided = append(decided, ev.strategy.Method())
			signal, err := compare(ev.strategy, &candidate, rec)
			if err != nil {
				s.logger.Debug("check comparison failed", logging.Int64("record_id", rec.ID), logging.Error(err))
				continue
			}
			if !signal.Applicable || signal.Score < ev.threshold {
				continue
			}
			match := Match{
				Record:     *rec,
				Method:     signal.Method,
				Score:      signal.Score,
				Components: signal.Components,
			}
			if ev.rule != nil {
				match.RuleID = ev.rule.ID
				match.RuleName = ev.rule.Name
				match.Blocking = ev.rule.Blocking
			}
			matches = append(matches, match)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Record.ID != matches[j].Record.ID {
			return matches[i].Record.ID < matches[j].Record.ID
		}
		return matches[i].Method < matches[j].Method
	})
	return matches, nil
}
