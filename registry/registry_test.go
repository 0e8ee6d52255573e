package registry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/steps"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	f, err := steps.NewFactory(&MockGenerator{}, steps.WithFactoryLogger(logging.Discard()))
	require.NoError(t, err)
	r, err := NewRegistry(f, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	require.NoError(t, err)
	return r
}

func step(id string, deps ...string) types.StepDefinition {
	return types.StepDefinition{
		ID:           id,
		Metadata:     types.StepMetadata{Name: id, Version: "1.0.0"},
		Dependencies: deps,
		Execute: func(ctx context.Context, sc *types.StepContext) (any, error) {
			return id, nil
		},
	}
}

func mustRegister(t *testing.T, r *Registry, defs ...types.StepDefinition) {
	t.Helper()
	for _, def := range defs {
		require.NoError(t, r.Register(def, "test"))
	}
}

func TestRegister_LogsAtDebug(t *testing.T) {
	for _, tt := range []struct {
		level  string
		logged bool
	}{
		{level: "INFO", logged: false},
		{level: "DEBUG", logged: true},
	} {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.New(logging.Options{Level: tt.level, Output: &buf})
			f, err := steps.NewFactory(&MockGenerator{}, steps.WithFactoryLogger(logger))
			require.NoError(t, err)
			r, err := NewRegistry(f, WithLogger(logger))
			require.NoError(t, err)

			buf.Reset()
			require.NoError(t, r.Register(step("a"), "test"))
			require.NoError(t, f.RegisterStep(step("b")))
			assert.Equal(t, tt.logged, bytes.Contains(buf.Bytes(), []byte(`"step registered"`)))
			if tt.logged {
				assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte(`"step registered"`)))
			}
		})
	}
}

func TestNewRegistry_RequiresFactory(t *testing.T) {
	_, err := NewRegistry(nil)
	assert.EqualError(t, err, "factory is required")
}

func TestRegister(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, WithClock(func() time.Time { return now }))

	require.NoError(t, r.Register(step("a"), "alice"))

	entry, err := r.GetEntry("a")
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.RegisteredBy)
	assert.Equal(t, now, entry.RegisteredAt)
	assert.Equal(t, 0, entry.UsageCount)
	assert.Nil(t, entry.LastUsedAt)
	assert.True(t, entry.Active)

	def, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", def.Metadata.Name)
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"))

	changed := step("a")
	changed.Metadata.Name = "different"
	err := r.Register(changed, "")

	assert.ErrorIs(t, err, steps.ErrDuplicateStep)
	var dup *steps.DuplicateStepError
	assert.ErrorAs(t, err, &dup)
}

func TestRegister_Invalid(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(types.StepDefinition{ID: "x", Metadata: types.StepMetadata{Name: "x"}}, "")

	var invalid *steps.InvalidStepError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"version", "execute"}, invalid.Missing)
	assert.Equal(t, 0, r.Len())
}

func TestGet_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, steps.ErrStepNotFound)
	_, err = r.GetEntry("nope")
	assert.ErrorIs(t, err, steps.ErrStepNotFound)
}

func TestActivation(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"), step("b"))

	require.NoError(t, r.Deactivate("a"))
	assert.Len(t, r.List(true), 1)
	assert.Len(t, r.List(false), 2)
	assert.Empty(t, r.Search(SearchFilter{NamePattern: "a"}))
	assert.Len(t, r.Search(SearchFilter{NamePattern: "a", IncludeInactive: true}), 1)

	_, err := r.CreateExecutableStep("a")
	assert.ErrorIs(t, err, ErrStepInactive)

	require.NoError(t, r.Activate("a"))
	_, err = r.CreateExecutableStep("a")
	assert.NoError(t, err)

	assert.ErrorIs(t, r.Deactivate("missing"), steps.ErrStepNotFound)
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"), step("b"), step("c"))

	require.NoError(t, r.Unregister("b"))
	ids := make([]string, 0)
	for _, e := range r.List(false) {
		ids = append(ids, e.Definition.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.ErrorIs(t, r.Unregister("b"), steps.ErrStepNotFound)
}

func TestSearch(t *testing.T) {
	r := newTestRegistry(t)
	defs := []types.StepDefinition{
		{ID: "fetch", Metadata: types.StepMetadata{Name: "Fetch Users", Version: "1", Category: "io", Tags: []string{"http", "users"}}},
		{ID: "store", Metadata: types.StepMetadata{Name: "Store Users", Version: "1", Category: "io", Tags: []string{"db", "users"}}},
		{ID: "mail", Metadata: types.StepMetadata{Name: "Mail report", Version: "1", Category: "notify", Tags: []string{"email"}}},
	}
	for _, def := range defs {
		def.Execute = step(def.ID).Execute
		mustRegister(t, r, def)
	}

	ids := func(entries []types.RegistryEntry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Definition.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter SearchFilter
		want   []string
	}{
		{"no filter", SearchFilter{}, []string{"fetch", "store", "mail"}},
		{"category", SearchFilter{Category: "io"}, []string{"fetch", "store"}},
		{"single tag", SearchFilter{Tags: []string{"users"}}, []string{"fetch", "store"}},
		{"all tags required", SearchFilter{Tags: []string{"users", "db"}}, []string{"store"}},
		{"name substring", SearchFilter{NamePattern: "Users"}, []string{"fetch", "store"}},
		{"name is case sensitive", SearchFilter{NamePattern: "users"}, []string{}},
		{"and semantics", SearchFilter{Category: "io", NamePattern: "Fetch", Tags: []string{"db"}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(r.Search(tt.filter)))
		})
	}
}

func TestValidateDependencies(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"), step("b", "a", "ghost"), step("c", "a"))

	report := r.ValidateDependencies([]string{"a", "b"})
	assert.False(t, report.Valid)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "Step ghost not found")

	// c depends on a, which exists but is not part of the request
	report = r.ValidateDependencies([]string{"c"})
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)

	report = r.ValidateDependencies([]string{"unknown"})
	assert.False(t, report.Valid)
	assert.Contains(t, report.Errors[0], "Step unknown not found")
}

func TestCreateExecutionPlan_FanOut(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("s1"), step("s2", "s1"), step("s3", "s1"))

	plan, err := r.CreateExecutionPlan([]string{"s1", "s2", "s3"})
	require.NoError(t, err)

	require.Len(t, plan.ParallelGroups, 2)
	assert.Equal(t, []string{"s1"}, plan.ParallelGroups[0])
	assert.ElementsMatch(t, []string{"s2", "s3"}, plan.ParallelGroups[1])
	assert.Equal(t, "s1", plan.ExecutionOrder[0])
	assert.Len(t, plan.ExecutionOrder, 3)
}

func TestCreateExecutionPlan_StableOrder(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"), step("b", "a"), step("c"), step("d", "b", "c"))

	plan, err := r.CreateExecutionPlan([]string{"c", "a", "b", "d"})
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a", "b", "d"}, plan.ExecutionOrder)
	assert.Equal(t, [][]string{{"c", "a"}, {"b"}, {"d"}}, plan.ParallelGroups)
	assert.Equal(t, []string{"b", "c"}, plan.Dependencies["d"])
}

func TestCreateExecutionPlan_DependenciesOutsideSetAreSatisfied(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"), step("b", "a"), step("c", "b"))

	plan, err := r.CreateExecutionPlan([]string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b"}, {"c"}}, plan.ParallelGroups)
	assert.Empty(t, plan.Dependencies["b"])
}

func TestCreateExecutionPlan_Cycle(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("root"), step("a", "c"), step("b", "a"), step("c", "b"), step("tail", "c"))

	_, err := r.CreateExecutionPlan([]string{"root", "a", "b", "c", "tail"})

	var cyclic *CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.Equal(t, []string{"a", "b", "c", "tail"}, cyclic.Steps)
}

func TestCreateExecutionPlan_SelfDependency(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a", "a"))

	_, err := r.CreateExecutionPlan([]string{"a"})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestCreateExecutionPlan_UnknownAndDuplicateIDs(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"))

	_, err := r.CreateExecutionPlan([]string{"a", "missing"})
	assert.ErrorIs(t, err, steps.ErrStepNotFound)

	plan, err := r.CreateExecutionPlan([]string{"a", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, plan.ExecutionOrder)

	plan, err = r.CreateExecutionPlan(nil)
	require.NoError(t, err)
	assert.Empty(t, plan.ExecutionOrder)
	assert.Empty(t, plan.ParallelGroups)
}

func TestCreateExecutableStep_TracksUsage(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(time.Second), base.Add(-time.Hour)}
	var i int
	clock := func() time.Time {
		now := ticks[i%len(ticks)]
		i++
		return now
	}
	r := newTestRegistry(t, WithClock(clock))
	mustRegister(t, r, step("a")) // consumes the first tick

	_, err := r.CreateExecutableStep("a")
	require.NoError(t, err)
	entry, _ := r.GetEntry("a")
	assert.Equal(t, 1, entry.UsageCount)
	first := *entry.LastUsedAt

	// the clock goes backwards; lastUsedAt must not
	_, err = r.CreateExecutableStep("a")
	require.NoError(t, err)
	entry, _ = r.GetEntry("a")
	assert.Equal(t, 2, entry.UsageCount)
	assert.False(t, entry.LastUsedAt.Before(first))

	_, err = r.CreateExecutableStep("missing")
	assert.ErrorIs(t, err, steps.ErrStepNotFound)
}

func TestExecuteStep(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"))

	result, err := r.ExecuteStep(context.Background(), "a", steps.ExecutionRequest{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "a", result.Output)

	entry, _ := r.GetEntry("a")
	assert.Equal(t, 1, entry.UsageCount)
}

func TestUsageStatistics(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"), step("b"), step("c"))
	require.NoError(t, r.Deactivate("c"))

	for i := 0; i < 3; i++ {
		_, err := r.CreateExecutableStep("b")
		require.NoError(t, err)
	}
	_, err := r.CreateExecutableStep("a")
	require.NoError(t, err)

	stats := r.UsageStatistics()
	assert.Equal(t, 3, stats.TotalSteps)
	assert.Equal(t, 2, stats.ActiveSteps)
	assert.Equal(t, []StepUsage{{ID: "b", UsageCount: 3}, {ID: "a", UsageCount: 1}}, stats.MostUsed)
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newTestRegistry(t)
	mustRegister(t, src, step("a"), step("b", "a"))
	_, err := src.CreateExecutableStep("a")
	require.NoError(t, err)

	records := src.Export()
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Metadata.UsageCount)
	assert.Equal(t, "test", records[0].Metadata.RegisteredBy)

	dst := newTestRegistry(t)
	summary := dst.Import(records, false)
	assert.Equal(t, ImportSummary{Imported: 2}, summary)

	for _, rec := range records {
		def, err := dst.Get(rec.Definition.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Definition.Metadata.Name, def.Metadata.Name)
	}
	entry, _ := dst.GetEntry("a")
	assert.Equal(t, 1, entry.UsageCount)
	assert.True(t, entry.Active)
}

func TestImport_SkipOverwriteAndErrors(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"))

	renamed := step("a")
	renamed.Metadata.Name = "renamed"
	records := []ExportRecord{
		{Definition: renamed},
		{Definition: step("b")},
		{Definition: types.StepDefinition{ID: "broken"}},
	}

	summary := r.Import(records, false)
	assert.Equal(t, ImportSummary{Imported: 1, Skipped: 1, Errors: 1}, summary)
	def, _ := r.Get("a")
	assert.Equal(t, "a", def.Metadata.Name)

	summary = r.Import(records, true)
	assert.Equal(t, ImportSummary{Imported: 2, Errors: 1}, summary)
	def, _ = r.Get("a")
	assert.Equal(t, "renamed", def.Metadata.Name)
	assert.Equal(t, 2, r.Len())
}

func TestClear(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"), step("b"))
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List(false))
	mustRegister(t, r, step("a"))
}

func TestConcurrentUsage(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, step("a"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ExecuteStep(context.Background(), "a", steps.ExecutionRequest{})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	entry, _ := r.GetEntry("a")
	assert.Equal(t, 50, entry.UsageCount)
}

var errBoom = errors.New("boom")
