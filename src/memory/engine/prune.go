package engine

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// PrunePolicy controls a single Prune run.
type PrunePolicy struct {
	MaxAgeDays          int     `json:"max_age_days" mapstructure:"max_age_days"`
	SimilarityThreshold float64 `json:"similarity_threshold" mapstructure:"similarity_threshold"`
	MinContentLength    int     `json:"min_content_length" mapstructure:"min_content_length"`
	// MaxRemovalFraction caps a run at ceil(f * before) removals. Zero removes
	// nothing; a negative value selects the default.
	MaxRemovalFraction float64 `json:"max_removal_fraction" mapstructure:"max_removal_fraction"`
	DryRun             bool    `json:"dry_run" mapstructure:"dry_run"`
	// SampleLimit bounds how many records are loaded per run.
	SampleLimit int `json:"sample_limit" mapstructure:"sample_limit"`
	// PairwiseLimit restricts duplicate detection to the first N records.
	PairwiseLimit int `json:"pairwise_limit" mapstructure:"pairwise_limit"`
}

// DefaultPrunePolicy returns the recommended policy.
func DefaultPrunePolicy() PrunePolicy {
	return PrunePolicy{
		MaxAgeDays:          365,
		SimilarityThreshold: 0.95,
		MinContentLength:    10,
		MaxRemovalFraction:  0.3,
		SampleLimit:         10000,
		PairwiseLimit:       100,
	}
}

func (p PrunePolicy) withDefaults() PrunePolicy {
	def := DefaultPrunePolicy()
	if p.MaxAgeDays <= 0 {
		p.MaxAgeDays = def.MaxAgeDays
	}
	if p.SimilarityThreshold <= 0 {
		p.SimilarityThreshold = def.SimilarityThreshold
	}
	if p.MinContentLength <= 0 {
		p.MinContentLength = def.MinContentLength
	}
	if p.MaxRemovalFraction < 0 {
		p.MaxRemovalFraction = def.MaxRemovalFraction
	}
	if p.MaxRemovalFraction > 1 {
		p.MaxRemovalFraction = 1
	}
	if p.SampleLimit <= 0 {
		p.SampleLimit = def.SampleLimit
	}
	if p.PairwiseLimit <= 0 {
		p.PairwiseLimit = def.PairwiseLimit
	}
	return p
}

// DuplicatePair is a near-duplicate found during a run. It is never stored.
type DuplicatePair struct {
	KeepID     string  `json:"keep_id"`
	RemoveID   string  `json:"remove_id"`
	Similarity float64 `json:"similarity"`
}

// PruningReport summarises one Prune run. AfterCount is projected when
// DryRun is set.
type PruningReport struct {
	BeforeCount       int             `json:"before_count"`
	AfterCount        int             `json:"after_count"`
	DuplicatesRemoved int             `json:"duplicates_removed"`
	ExpiredRemoved    int             `json:"expired_removed"`
	LowValueRemoved   int             `json:"low_value_removed"`
	StorageSavedBytes int64           `json:"storage_saved_bytes"`
	Duration          time.Duration   `json:"duration"`
	RemovedIDs        []string        `json:"removed_ids"`
	Duplicates        []DuplicatePair `json:"duplicates,omitempty"`
	DryRun            bool            `json:"dry_run"`
}

// Removed is the total number of records removed, or that would be.
func (r PruningReport) Removed() int {
	return r.DuplicatesRemoved + r.ExpiredRemoved + r.LowValueRemoved
}

var lowValueStoplist = map[string]struct{}{
	"ok":      {},
	"yes":     {},
	"no":      {},
	"thanks":  {},
	"bye":     {},
	"hello":   {},
	"test":    {},
	"testing": {},
	".":       {},
	"..":      {},
	"...":     {},
	"???":     {},
	"lol":     {},
	"haha":    {},
	"hmm":     {},
	"uh":      {},
	"um":      {},
}

type pruneReason int

const (
	reasonDuplicate pruneReason = iota
	reasonLowValue
	reasonExpired
)

type pruneCandidate struct {
	id     string
	reason pruneReason
}

// Prune removes near-duplicate, low-value and expired records of scope. It
// never removes more than ceil(MaxRemovalFraction * BeforeCount) records.
// When the batched delete fails the report still carries the attempted
// counts and a VectorStoreError is returned with it.
func (e *Engine) Prune(ctx context.Context, scope model.Scope, policy PrunePolicy) (PruningReport, error) {
	start := time.Now()
	policy = policy.withDefaults()
	report := PruningReport{DryRun: policy.DryRun, RemovedIDs: []string{}}
	if err := scope.Validate(); err != nil {
		return report, err
	}

	records, err := e.store.List(ctx, scope, policy.SampleLimit)
	if err != nil {
		return report, &VectorStoreError{Op: "list", Err: err}
	}
	inScope := records[:0]
	for _, rec := range records {
		if scope.Matches(rec.Scope) {
			inScope = append(inScope, rec)
		}
	}
	records = inScope
	report.BeforeCount = len(records)
	if len(records) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	now := e.clock().UTC()
	pairs := findDuplicates(records, policy.SimilarityThreshold, policy.PairwiseLimit)
	report.Duplicates = pairs

	candidates := make([]pruneCandidate, 0)
	marked := make(map[string]struct{})
	add := func(id string, reason pruneReason) {
		if _, ok := marked[id]; ok {
			return
		}
		marked[id] = struct{}{}
		candidates = append(candidates, pruneCandidate{id: id, reason: reason})
	}
	for _, p := range pairs {
		add(p.RemoveID, reasonDuplicate)
	}
	for _, rec := range records {
		if isLowValue(rec.Text, policy.MinContentLength) {
			add(rec.ID, reasonLowValue)
		}
	}
	maxAge := time.Duration(policy.MaxAgeDays) * 24 * time.Hour
	for _, rec := range records {
		if rec.CreatedAt.IsZero() {
			continue
		}
		if now.Sub(rec.CreatedAt) > maxAge {
			add(rec.ID, reasonExpired)
		}
	}

	limit := removalCap(policy.MaxRemovalFraction, report.BeforeCount)
	if len(candidates) > limit {
		e.logger.Info("prune safety cap reached", "scope", scope.Key(), "candidates", len(candidates), "cap", limit)
		candidates = candidates[:limit]
	}

	var totalSize int64
	for _, rec := range records {
		totalSize += int64(rec.SizeEstimate())
	}
	avgSize := totalSize / int64(len(records))

	byID := make(map[string]model.MemoryRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	for _, c := range candidates {
		report.RemovedIDs = append(report.RemovedIDs, c.id)
		switch c.reason {
		case reasonDuplicate:
			report.DuplicatesRemoved++
		case reasonLowValue:
			report.LowValueRemoved++
		case reasonExpired:
			report.ExpiredRemoved++
		}
	}
	report.StorageSavedBytes = avgSize * int64(len(candidates))
	report.AfterCount = report.BeforeCount - len(candidates)

	if policy.DryRun || len(candidates) == 0 {
		report.Duration = time.Since(start)
		e.metrics.IncPruneRuns()
		e.logPrune(scope, report)
		return report, nil
	}

	if err := e.store.Delete(ctx, report.RemovedIDs); err != nil {
		report.AfterCount = report.BeforeCount
		report.Duration = time.Since(start)
		e.metrics.IncPruneRuns()
		e.logger.Error("prune delete failed", "scope", scope.Key(), "attempted", len(candidates), "err", err)
		return report, &VectorStoreError{Op: "delete", Err: err}
	}
	for _, id := range report.RemovedIDs {
		rec := byID[id]
		e.record(ctx, MutationResult{Event: EventDelete, ID: id, PreviousText: rec.Text}, rec.Scope, "", sourcePrune)
	}
	e.metrics.IncPruned(len(candidates))
	e.metrics.IncPruneRuns()
	report.Duration = time.Since(start)
	e.logPrune(scope, report)
	return report, nil
}

// removalCap is ceil(fraction * count), tolerant of float error such as
// 0.3*10 landing just above 3.
func removalCap(fraction float64, count int) int {
	return int(math.Ceil(fraction*float64(count) - 1e-9))
}

func (e *Engine) logPrune(scope model.Scope, r PruningReport) {
	e.logger.Info("pruned scope",
		"scope", scope.Key(),
		"dry_run", r.DryRun,
		"before", r.BeforeCount,
		"after", r.AfterCount,
		"duplicates", r.DuplicatesRemoved,
		"low_value", r.LowValueRemoved,
		"expired", r.ExpiredRemoved,
		"saved_bytes", r.StorageSavedBytes,
	)
}

// findDuplicates compares the first limit records pairwise. For each pair at
// or above threshold the keep-decision is: longer text, then newer
// created_at, then the record seen first. A record already marked for
// removal takes no further part, which makes repeated runs stable.
func findDuplicates(records []model.MemoryRecord, threshold float64, limit int) []DuplicatePair {
	n := len(records)
	if n > limit {
		n = limit
	}
	removed := make([]bool, n)
	var pairs []DuplicatePair
	for i := 0; i < n; i++ {
		if removed[i] {
			continue
		}
		for j := i + 1; j < n; j++ {
			if removed[j] {
				continue
			}
			sim := model.CosineSimilarity(records[i].Embedding, records[j].Embedding)
			if sim < threshold {
				continue
			}
			keep, drop := keepDecision(records, i, j)
			removed[drop] = true
			pairs = append(pairs, DuplicatePair{KeepID: records[keep].ID, RemoveID: records[drop].ID, Similarity: sim})
			if drop == i {
				break
			}
		}
	}
	return pairs
}

// keepDecision returns the indexes of the survivor and the removed record,
// where i was encountered before j.
func keepDecision(records []model.MemoryRecord, i, j int) (keep, drop int) {
	li, lj := utf8.RuneCountInString(records[i].Text), utf8.RuneCountInString(records[j].Text)
	switch {
	case li > lj:
		return i, j
	case lj > li:
		return j, i
	}
	ci, cj := records[i].CreatedAt, records[j].CreatedAt
	switch {
	case cj.After(ci):
		return j, i
	case ci.After(cj):
		return i, j
	}
	return i, j
}

func isLowValue(text string, minLen int) bool {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < minLen {
		return true
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(trimmed), " "))
	if _, ok := lowValueStoplist[normalized]; ok {
		return true
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
