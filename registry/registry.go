package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/steps"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// MostUsedLimit caps UsageStatistics.MostUsed.
const MostUsedLimit = 10

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// SearchFilter selects entries in Search. Every non-empty field must match.
type SearchFilter struct {
	Category string
	// Tags must all be present on the step.
	Tags []string
	// NamePattern is a case-sensitive substring of the step name.
	NamePattern     string
	IncludeInactive bool
}

// DependencyReport is the outcome of ValidateDependencies.
type DependencyReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// StepUsage is one row of UsageStatistics.MostUsed.
type StepUsage struct {
	ID         string `json:"id"`
	UsageCount int    `json:"usage_count"`
}

// UsageStatistics summarizes the registry.
type UsageStatistics struct {
	TotalSteps  int         `json:"total_steps"`
	ActiveSteps int         `json:"active_steps"`
	MostUsed    []StepUsage `json:"most_used"`
}

// ExportMetadata is the bookkeeping carried along with an exported step.
type ExportMetadata struct {
	RegisteredBy string     `json:"registered_by,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	UsageCount   int        `json:"usage_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	Active       bool       `json:"active"`
}

// ExportRecord is a single exported step.
type ExportRecord struct {
	Definition types.StepDefinition `json:"definition"`
	Metadata   ExportMetadata       `json:"metadata"`
}

// ImportSummary counts the outcome of Import.
type ImportSummary struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Registry is the operational step catalog: search, dependency planning,
// usage tracking and export/import. Executable steps are built by the
// Factory it wraps.
type Registry struct {
	factory *steps.Factory
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*types.RegistryEntry
	order   []string
}

// NewRegistry creates an empty Registry backed by factory.
func NewRegistry(factory *steps.Factory, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("factory is required")
	}
	r := &Registry{
		factory: factory,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*types.RegistryEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Factory returns the factory the registry builds executable steps with.
func (r *Registry) Factory() *steps.Factory {
	return r.factory
}

// Register adds an active entry for def.
func (r *Registry) Register(def types.StepDefinition, registeredBy string) error {
	if err := steps.Validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.ID]; exists {
		return &steps.DuplicateStepError{StepID: def.ID}
	}
	r.put(&types.RegistryEntry{
		Definition:   def.Clone(),
		RegisteredBy: registeredBy,
		RegisteredAt: r.now(),
		Active:       true,
	})
	r.logger.Debug("step registered",
		logging.StepID(def.ID),
		slog.String("name", def.Metadata.Name),
		slog.String("registered_by", registeredBy))
	return nil
}

// put stores e, keeping the original position of a replaced entry.
// Callers hold r.mu.
func (r *Registry) put(e *types.RegistryEntry) {
	if _, exists := r.entries[e.Definition.ID]; !exists {
		r.order = append(r.order, e.Definition.ID)
	}
	r.entries[e.Definition.ID] = e
}

// Get returns the definition registered under id.
func (r *Registry) Get(id string) (types.StepDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.StepDefinition{}, &steps.NotFoundError{StepID: id}
	}
	return e.Definition.Clone(), nil
}

// GetEntry returns the entry registered under id, usage data included.
func (r *Registry) GetEntry(id string) (types.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.RegistryEntry{}, &steps.NotFoundError{StepID: id}
	}
	return copyEntry(e), nil
}

// List returns entries in registration order.
func (r *Registry) List(activeOnly bool) []types.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.RegistryEntry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if activeOnly && !e.Active {
			continue
		}
		out = append(out, copyEntry(e))
	}
	return out
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Activate marks id active again.
func (r *Registry) Activate(id string) error {
	return r.setActive(id, true)
}

// Deactivate hides id from active listings and search, and prevents new
// executable steps from being created for it.
func (r *Registry) Deactivate(id string) error {
	return r.setActive(id, false)
}

func (r *Registry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return &steps.NotFoundError{StepID: id}
	}
	e.Active = active
	return nil
}

// Unregister removes id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return &steps.NotFoundError{StepID: id}
	}
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Search returns the entries matching every field of filter, in
// registration order.
func (r *Registry) Search(filter SearchFilter) []types.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.RegistryEntry
	for _, id := range r.order {
		e := r.entries[id]
		if !filter.IncludeInactive && !e.Active {
			continue
		}
		md := e.Definition.Metadata
		if filter.Category != "" && md.Category != filter.Category {
			continue
		}
		if filter.NamePattern != "" && !strings.Contains(md.Name, filter.NamePattern) {
			continue
		}
		if !hasAllTags(md, filter.Tags) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	return out
}

func hasAllTags(md types.StepMetadata, tags []string) bool {
	for _, tag := range tags {
		if !md.HasTag(tag) {
			return false
		}
	}
	return true
}

// ValidateDependencies checks that every dependency of the given steps is
// registered. Dependencies only need to exist, not to be part of ids.
func (r *Registry) ValidateDependencies(ids []string) DependencyReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report := DependencyReport{Errors: []string{}}
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("Step %s not found", id))
			continue
		}
		for _, dep := range e.Definition.Dependencies {
			if _, ok := r.entries[dep]; !ok {
				report.Errors = append(report.Errors,
					fmt.Sprintf("Step %s not found (required by %s)", dep, id))
			}
		}
	}
	report.Valid = len(report.Errors) == 0
	return report
}

// CreateExecutionPlan orders ids by their dependencies and groups them into
// sets that may run concurrently. Dependencies outside ids count as
// satisfied. Duplicate ids are planned once.
func (r *Registry) CreateExecutionPlan(ids []string) (*types.ExecutionPlan, error) {
	r.mu.RLock()
	unique := make([]string, 0, len(ids))
	defs := make(map[string]types.StepDefinition, len(ids))
	for _, id := range ids {
		if _, dup := defs[id]; dup {
			continue
		}
		e, ok := r.entries[id]
		if !ok {
			r.mu.RUnlock()
			return nil, &steps.NotFoundError{StepID: id}
		}
		defs[id] = e.Definition
		unique = append(unique, id)
	}
	r.mu.RUnlock()

	return buildPlan(unique, defs)
}

// CreateExecutableStep builds an executable step for id and records the use.
func (r *Registry) CreateExecutableStep(id string, opts ...steps.ExecOption) (*steps.ExecutableStep, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, &steps.NotFoundError{StepID: id}
	}
	if !e.Active {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStepInactive, id)
	}
	now := r.now()
	if e.LastUsedAt != nil && now.Before(*e.LastUsedAt) {
		now = *e.LastUsedAt
	}
	e.UsageCount++
	e.LastUsedAt = &now
	def := e.Definition.Clone()
	r.mu.Unlock()

	return r.factory.CreateExecutableStep(def, opts...)
}

// ExecuteStep creates an executable step for id and runs it.
func (r *Registry) ExecuteStep(ctx context.Context, id string, req steps.ExecutionRequest) (*types.ExecutionResult, error) {
	step, err := r.CreateExecutableStep(id)
	if err != nil {
		return nil, err
	}
	return step.Execute(ctx, req), nil
}

// UsageStatistics reports entry counts and the most used steps.
func (r *Registry) UsageStatistics() UsageStatistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := UsageStatistics{TotalSteps: len(r.entries), MostUsed: []StepUsage{}}
	for _, id := range r.order {
		e := r.entries[id]
		if e.Active {
			stats.ActiveSteps++
		}
		if e.UsageCount > 0 {
			stats.MostUsed = append(stats.MostUsed, StepUsage{ID: id, UsageCount: e.UsageCount})
		}
	}
	sort.SliceStable(stats.MostUsed, func(i, j int) bool {
		return stats.MostUsed[i].UsageCount > stats.MostUsed[j].UsageCount
	})
	if len(stats.MostUsed) > MostUsedLimit {
		stats.MostUsed = stats.MostUsed[:MostUsedLimit]
	}
	return stats
}

// Export returns every entry in registration order.
func (r *Registry) Export() []ExportRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExportRecord, 0, len(r.order))
	for _, id := range r.order {
		e := copyEntry(r.entries[id])
		out = append(out, ExportRecord{
			Definition: e.Definition,
			Metadata: ExportMetadata{
				RegisteredBy: e.RegisteredBy,
				RegisteredAt: e.RegisteredAt,
				UsageCount:   e.UsageCount,
				LastUsedAt:   e.LastUsedAt,
				Active:       e.Active,
			},
		})
	}
	return out
}

// Import registers records. Existing ids are skipped unless overwrite is
// set. Invalid records are counted as errors and do not stop the batch.
func (r *Registry) Import(records []ExportRecord, overwrite bool) ImportSummary {
	var summary ImportSummary
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		def := rec.Definition
		if err := steps.Validate(def); err != nil {
			summary.Errors++
			r.logger.Warn("skipping invalid step on import", logging.StepID(def.ID), logging.Error(err))
			continue
		}
		if _, exists := r.entries[def.ID]; exists && !overwrite {
			summary.Skipped++
			continue
		}
		registeredAt := rec.Metadata.RegisteredAt
		if registeredAt.IsZero() {
			registeredAt = r.now()
		}
		var lastUsed *time.Time
		if rec.Metadata.LastUsedAt != nil {
			t := *rec.Metadata.LastUsedAt
			lastUsed = &t
		}
		r.put(&types.RegistryEntry{
			Definition:   def.Clone(),
			RegisteredBy: rec.Metadata.RegisteredBy,
			RegisteredAt: registeredAt,
			UsageCount:   rec.Metadata.UsageCount,
			LastUsedAt:   lastUsed,
			// records without metadata come back active
			Active: rec.Metadata.Active || rec.Metadata.RegisteredAt.IsZero(),
		})
		summary.Imported++
	}
	return summary
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*types.RegistryEntry)
	r.order = nil
}

func copyEntry(e *types.RegistryEntry) types.RegistryEntry {
	c := *e
	c.Definition = e.Definition.Clone()
	if e.LastUsedAt != nil {
		t := *e.LastUsedAt
		c.LastUsedAt = &t
	}
	return c
}
