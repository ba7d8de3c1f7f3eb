package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-memory/src/concurrent"
	"github.com/Protocol-Lattice/go-memory/src/memory/model"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

const (
	sourceReconcile = "reconcile"
	sourceDirect    = "direct"
	sourcePrune     = "prune"
)

// MutationResult reports the outcome of one action. Err is set for rejected
// actions only.
type MutationResult struct {
	Event        Event       `json:"event"`
	ID           string      `json:"id,omitempty"`
	Text         string      `json:"text,omitempty"`
	PreviousText string      `json:"previous_text,omitempty"`
	Scope        model.Scope `json:"scope"`
	Reason       string      `json:"reason,omitempty"`
	Err          error       `json:"-"`
}

// ReconcileResult lists what a Reconcile call changed and what it refused.
type ReconcileResult struct {
	Applied  []MutationResult `json:"applied"`
	Rejected []MutationResult `json:"rejected,omitempty"`
	RawFacts []string         `json:"raw_facts"`
}

// Reconcile extracts facts from input, shows them to the model together with
// the nearest stored records of scope, and applies the returned actions in
// order. A failed extraction or decision applies nothing. Individual actions
// fail on their own and land in Rejected.
func (e *Engine) Reconcile(ctx context.Context, input string, scope model.Scope, metadata map[string]any, opts ...ReconcileOption) (ReconcileResult, error) {
	result := ReconcileResult{Applied: []MutationResult{}, RawFacts: []string{}}
	if err := scope.Validate(); err != nil {
		return result, err
	}
	if e.llm == nil {
		return result, ErrNoLLM
	}
	cfg := e.reconcileConfig(opts)

	facts, err := e.extract(ctx, input)
	if err != nil {
		return result, err
	}
	result.RawFacts = facts
	if len(facts) == 0 {
		e.logger.Debug("no facts extracted", "scope", scope.Key())
		e.metrics.IncReconciled()
		return result, nil
	}

	// Neighbors are retrieved once for the whole input, not per fact.
	vec, err := e.embed(ctx, input)
	if err != nil {
		return result, err
	}
	neighbors, err := e.store.Search(ctx, vec, scope, cfg.retrievalLimit)
	if err != nil {
		return result, &VectorStoreError{Op: "search", Err: err}
	}
	inScope := neighbors[:0]
	for _, n := range neighbors {
		if scope.Matches(n.Scope) {
			inScope = append(inScope, n)
		}
	}
	neighbors = inScope

	views := make([]neighborView, len(neighbors))
	tempIDs := make(map[string]string, len(neighbors))
	for i, n := range neighbors {
		tmp := strconv.Itoa(i)
		tempIDs[tmp] = n.ID
		views[i] = neighborView{ID: tmp, Text: n.Text, Score: n.Score}
	}
	msgs, err := decisionMessages(facts, views)
	if err != nil {
		return result, &ReconciliationError{Err: err}
	}
	raw, err := e.llm.Generate(ctx, msgs, models.FormatJSON)
	if err != nil {
		return result, &ReconciliationError{Err: err}
	}
	actions, err := parseActions(raw, tempIDs)
	if err != nil {
		e.logger.Warn("rejecting decision output", "scope", scope.Key(), "err", err)
		return result, &ReconciliationError{Raw: raw, Err: err}
	}
	actions = collapseExactDuplicates(actions, neighbors)

	applied, rejected, err := e.apply(ctx, scope, metadata, actions, cfg, sourceReconcile)
	result.Applied = applied
	result.Rejected = rejected
	e.metrics.IncReconciled()
	e.logger.Info("reconciled input",
		"scope", scope.Key(),
		"facts", len(facts),
		"neighbors", len(neighbors),
		"applied", len(applied),
		"rejected", len(rejected),
	)
	return result, err
}

// Apply runs already-decided actions against scope. The returned error is
// only set when ctx ends before every action ran.
func (e *Engine) Apply(ctx context.Context, scope model.Scope, metadata map[string]any, actions []Action, opts ...ReconcileOption) (applied, rejected []MutationResult, err error) {
	if err := scope.Validate(); err != nil {
		return nil, nil, err
	}
	return e.apply(ctx, scope, metadata, actions, e.reconcileConfig(opts), sourceDirect)
}

// Add stores text as a single record without consulting the model.
func (e *Engine) Add(ctx context.Context, text string, scope model.Scope, metadata map[string]any, opts ...ReconcileOption) (MutationResult, error) {
	if err := scope.Validate(); err != nil {
		return MutationResult{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return MutationResult{}, errors.New("memory text is empty")
	}
	cfg := e.reconcileConfig(opts)
	res := e.applyOne(ctx, scope, metadata, Action{Event: EventAdd, Text: text}, cfg.actor, sourceDirect)
	return res, res.Err
}

// Update replaces the text of one record, keeping its id, scope and
// created_at.
func (e *Engine) Update(ctx context.Context, id, text string, opts ...ReconcileOption) (MutationResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return MutationResult{}, errors.New("memory text is empty")
	}
	existing, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MutationResult{}, err
		}
		return MutationResult{}, &VectorStoreError{Op: "get", Err: err}
	}
	cfg := e.reconcileConfig(opts)
	res := e.applyOne(ctx, existing.Scope, nil, Action{Event: EventUpdate, ID: id, Text: text}, cfg.actor, sourceDirect)
	return res, res.Err
}

// Delete removes one record. Deleting a missing id is a no-op.
func (e *Engine) Delete(ctx context.Context, id string, opts ...ReconcileOption) (MutationResult, error) {
	existing, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return MutationResult{Event: EventNone, ID: id}, nil
	}
	if err != nil {
		return MutationResult{}, &VectorStoreError{Op: "get", Err: err}
	}
	cfg := e.reconcileConfig(opts)
	res := e.applyOne(ctx, existing.Scope, nil, Action{Event: EventDelete, ID: id}, cfg.actor, sourceDirect)
	return res, res.Err
}

// DeleteAll removes every record of scope and logs a DELETE row for each.
func (e *Engine) DeleteAll(ctx context.Context, scope model.Scope, opts ...ReconcileOption) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	records, err := e.store.List(ctx, scope, 0)
	if err != nil {
		return 0, &VectorStoreError{Op: "list", Err: err}
	}
	if err := e.store.DeleteAll(ctx, scope); err != nil {
		return 0, &VectorStoreError{Op: "delete all", Err: err}
	}
	cfg := e.reconcileConfig(opts)
	for _, rec := range records {
		res := MutationResult{Event: EventDelete, ID: rec.ID, PreviousText: rec.Text, Scope: rec.Scope}
		e.metrics.observe(EventDelete)
		e.record(ctx, res, rec.Scope, cfg.actor, sourceDirect)
	}
	return len(records), nil
}

func (e *Engine) extract(ctx context.Context, input string) ([]string, error) {
	if strings.TrimSpace(input) == "" {
		return []string{}, nil
	}
	raw, err := e.llm.Generate(ctx, extractionMessages(input, e.clock()), models.FormatJSON)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	facts, dropped, err := parseFacts(raw)
	if err != nil {
		return nil, &ExtractionError{Raw: raw, Err: err}
	}
	for _, idx := range dropped {
		e.logger.Warn("dropping malformed fact", "index", idx)
	}
	return facts, nil
}

// collapseExactDuplicates turns an ADD whose text is already stored among
// the neighbors, or added earlier in the same batch, into a NONE.
func collapseExactDuplicates(actions []Action, neighbors []model.MemoryRecord) []Action {
	known := make(map[string]string, len(neighbors))
	for _, n := range neighbors {
		h := n.Hash
		if h == "" {
			h = model.ContentHash(n.Text)
		}
		if _, ok := known[h]; !ok {
			known[h] = n.ID
		}
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a
		if a.Event != EventAdd {
			continue
		}
		h := model.ContentHash(a.Text)
		if id, ok := known[h]; ok {
			out[i] = Action{Event: EventNone, ID: id, Text: a.Text}
			continue
		}
		known[h] = ""
	}
	return out
}

func (e *Engine) apply(ctx context.Context, scope model.Scope, metadata map[string]any, actions []Action, cfg reconcileConfig, source string) ([]MutationResult, []MutationResult, error) {
	applied := make([]MutationResult, 0, len(actions))
	rejected := make([]MutationResult, 0)
	split := func(res MutationResult) {
		if res.Err != nil {
			rejected = append(rejected, res)
		} else {
			applied = append(applied, res)
		}
	}

	if cfg.parallel && len(actions) > 1 && distinctTargets(actions) {
		tasks := make([]func(context.Context) (MutationResult, error), len(actions))
		for i, a := range actions {
			tasks[i] = func(ctx context.Context) (MutationResult, error) {
				res := e.applyOne(ctx, scope, metadata, a, cfg.actor, source)
				return res, res.Err
			}
		}
		for i, r := range concurrent.Gather(ctx, e.opts.ApplyTimeout, e.opts.MaxParallel, tasks...) {
			res := r.Value
			if res.Event == "" {
				res = MutationResult{Event: actions[i].Event, ID: actions[i].ID, Text: actions[i].Text}
			}
			if r.Err != nil && res.Err == nil {
				res.Err = r.Err
				res.Reason = r.Err.Error()
				e.metrics.IncRejected()
			}
			split(res)
		}
		return applied, rejected, ctx.Err()
	}

	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			for _, rest := range actions[i:] {
				rejected = append(rejected, MutationResult{Event: rest.Event, ID: rest.ID, Text: rest.Text, Reason: err.Error(), Err: err})
			}
			return applied, rejected, err
		}
		split(e.applyOne(ctx, scope, metadata, a, cfg.actor, source))
	}
	return applied, rejected, nil
}

func (e *Engine) applyOne(ctx context.Context, scope model.Scope, metadata map[string]any, a Action, actor, source string) MutationResult {
	var res MutationResult
	switch a.Event {
	case EventAdd:
		res = e.add(ctx, scope, metadata, a.Text, actor, source)
	case EventUpdate:
		res = e.update(ctx, scope, metadata, a.ID, a.Text, actor, source)
	case EventDelete:
		res = e.delete(ctx, scope, a.ID, actor, source)
	case EventNone:
		res = e.noop(ctx, scope, metadata, a.ID, a.Text)
	default:
		res = MutationResult{Event: a.Event, ID: a.ID, Err: fmt.Errorf("unknown event %q", a.Event)}
	}
	if res.Err != nil {
		res.Reason = res.Err.Error()
		e.metrics.IncRejected()
		e.logger.Warn("mutation rejected", "event", a.Event, "id", a.ID, "err", res.Err)
		return res
	}
	e.metrics.observe(res.Event)
	return res
}

func (e *Engine) add(ctx context.Context, scope model.Scope, metadata map[string]any, text, actor, source string) MutationResult {
	res := MutationResult{Event: EventAdd, Text: text}
	vec, err := e.embed(ctx, text)
	if err != nil {
		res.Err = err
		return res
	}
	rec := model.MemoryRecord{
		ID:        uuid.NewString(),
		Text:      text,
		Embedding: vec,
		Hash:      model.ContentHash(text),
		Scope:     scope,
		Metadata:  callerMetadata(metadata),
		CreatedAt: e.clock().UTC(),
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := e.store.Insert(ctx, []model.MemoryRecord{rec}); err != nil {
		res.Err = &VectorStoreError{Op: "insert", Err: err}
		return res
	}
	res.ID = rec.ID
	res.Scope = scope
	e.record(ctx, res, scope, actor, source)
	return res
}

func (e *Engine) update(ctx context.Context, scope model.Scope, metadata map[string]any, id, text, actor, source string) MutationResult {
	res := MutationResult{Event: EventUpdate, ID: id, Text: text}
	existing, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Info("update target is gone, adding instead", "id", id)
		return e.add(ctx, scope, metadata, text, actor, source)
	}
	if err != nil {
		res.Err = &VectorStoreError{Op: "get", Err: err}
		return res
	}
	if !scope.Matches(existing.Scope) {
		res.Err = &ScopeMismatchError{ID: id, Caller: scope, Record: existing.Scope}
		return res
	}
	vec, err := e.embed(ctx, text)
	if err != nil {
		res.Err = err
		return res
	}
	now := e.clock().UTC()
	updated := existing.Clone()
	updated.Text = text
	updated.Embedding = vec
	updated.Hash = model.ContentHash(text)
	updated.UpdatedAt = &now
	updated.Metadata, _ = mergeMetadata(updated.Metadata, metadata)
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := e.store.Update(ctx, updated); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.add(ctx, scope, metadata, text, actor, source)
		}
		res.Err = &VectorStoreError{Op: "update", Err: err}
		return res
	}
	res.PreviousText = existing.Text
	res.Scope = existing.Scope
	e.record(ctx, res, existing.Scope, actor, source)
	return res
}

func (e *Engine) delete(ctx context.Context, scope model.Scope, id, actor, source string) MutationResult {
	res := MutationResult{Event: EventDelete, ID: id}
	existing, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("delete target already gone", "id", id)
		return MutationResult{Event: EventNone, ID: id}
	}
	if err != nil {
		res.Err = &VectorStoreError{Op: "get", Err: err}
		return res
	}
	if !scope.Matches(existing.Scope) {
		res.Err = &ScopeMismatchError{ID: id, Caller: scope, Record: existing.Scope}
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := e.store.Delete(ctx, []string{id}); err != nil {
		res.Err = &VectorStoreError{Op: "delete", Err: err}
		return res
	}
	res.PreviousText = existing.Text
	res.Scope = existing.Scope
	e.record(ctx, res, existing.Scope, actor, source)
	return res
}

// noop leaves text and embedding alone. Caller metadata that differs from
// the stored record is refreshed in place.
func (e *Engine) noop(ctx context.Context, scope model.Scope, metadata map[string]any, id, text string) MutationResult {
	res := MutationResult{Event: EventNone, ID: id, Text: text}
	if id == "" || len(callerMetadata(metadata)) == 0 {
		return res
	}
	existing, err := e.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("metadata refresh skipped", "id", id, "err", err)
		}
		return res
	}
	res.Text = existing.Text
	res.Scope = existing.Scope
	if !scope.Matches(existing.Scope) {
		return res
	}
	merged, changed := mergeMetadata(existing.Metadata, metadata)
	if !changed {
		return res
	}
	refreshed := existing.Clone()
	refreshed.Metadata = merged
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := e.store.Update(ctx, refreshed); err != nil && !errors.Is(err, store.ErrNotFound) {
		res.Err = &VectorStoreError{Op: "refresh metadata", Err: err}
	}
	return res
}

// callerMetadata drops keys owned by the engine.
func callerMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if !model.IsReservedKey(k) {
			out[k] = v
		}
	}
	return out
}

// mergeMetadata overlays caller metadata on dst and reports whether anything
// changed. Values are compared by their printed form so numbers survive a
// JSON round trip through the store.
func mergeMetadata(dst, src map[string]any) (map[string]any, bool) {
	out := model.CloneMetadata(dst)
	changed := false
	for k, v := range callerMetadata(src) {
		if cur, ok := out[k]; ok && fmt.Sprint(cur) == fmt.Sprint(v) {
			continue
		}
		out[k] = v
		changed = true
	}
	return out, changed
}
