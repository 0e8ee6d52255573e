package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// MockGenerator is a sequential ID generator for testing.
type MockGenerator struct {
	id  uint64
	err error
}

func (g *MockGenerator) NextID() (uint64, error) {
	if g.err != nil {
		return 0, g.err
	}
	g.id++
	return g.id, nil
}

func newTestFactory(t *testing.T, opts ...FactoryOption) *Factory {
	t.Helper()
	f, err := NewFactory(&MockGenerator{}, append([]FactoryOption{WithFactoryLogger(logging.Discard())}, opts...)...)
	require.NoError(t, err)
	return f
}

func noop(ctx context.Context, sc *types.StepContext) (any, error) {
	return nil, nil
}

func TestNewFactory_RequiresGenerator(t *testing.T) {
	_, err := NewFactory(nil)
	require.Error(t, err)
	assert.Equal(t, "generator is required", err.Error())
}

func TestNewFactory_SeedsTemplates(t *testing.T) {
	f := newTestFactory(t)

	list := f.ListSteps()
	require.Len(t, list, len(TemplateNames()))
	for i, name := range TemplateNames() {
		assert.Equal(t, TemplateStepID(name), list[i].ID)
	}

	def, err := f.GetStep("template.http")
	require.NoError(t, err)
	assert.Equal(t, "integration", def.Metadata.Category)
	assert.True(t, def.Metadata.HasTag("http"))
}

func TestCreateStep(t *testing.T) {
	f := newTestFactory(t)

	def, err := f.CreateStep(
		types.StepMetadata{Name: "charge", Version: "1.0.0", Tags: []string{"billing"}},
		noop,
		WithRetry(types.RetryConfig{Backoff: types.BackoffFixed, Delay: time.Second, MaxAttempts: 2}),
		WithTimeout(5*time.Second),
		WithDependencies("fetch", "price"),
	)
	require.NoError(t, err)

	assert.Equal(t, "step_1", def.ID)
	assert.Equal(t, 2, def.RetryConfig().MaxAttempts)
	assert.Equal(t, 5*time.Second, def.Timeout())
	assert.Equal(t, []string{"fetch", "price"}, def.Dependencies)

	// created but not registered
	_, err = f.GetStep(def.ID)
	assert.ErrorIs(t, err, ErrStepNotFound)

	other, err := f.CreateStep(types.StepMetadata{Name: "other", Version: "1"}, noop)
	require.NoError(t, err)
	assert.NotEqual(t, def.ID, other.ID)
}

func TestCreateStep_WithID(t *testing.T) {
	f := newTestFactory(t)
	def, err := f.CreateStep(types.StepMetadata{Name: "a", Version: "1"}, noop, WithID("custom"))
	require.NoError(t, err)
	assert.Equal(t, "custom", def.ID)
}

func TestCreateStep_GeneratorError(t *testing.T) {
	gen := &MockGenerator{}
	f, err := NewFactory(gen, WithFactoryLogger(logging.Discard()))
	require.NoError(t, err)

	gen.err = errors.New("clock moved backwards")
	_, err = f.CreateStep(types.StepMetadata{Name: "a", Version: "1"}, noop)
	assert.EqualError(t, err, "clock moved backwards")
}

func TestRegisterStep_MissingFieldsAreAllReported(t *testing.T) {
	f := newTestFactory(t)

	err := f.RegisterStep(types.StepDefinition{ID: "broken"})

	var invalid *InvalidStepError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, ErrInvalidStep)
	assert.Equal(t, []string{"name", "version", "execute"}, invalid.Missing)
	assert.Contains(t, err.Error(), "name, version, execute")
}

func TestRegisterStep_Duplicate(t *testing.T) {
	f := newTestFactory(t)
	first := types.StepDefinition{ID: "dup", Metadata: types.StepMetadata{Name: "a", Version: "1"}, Execute: noop}
	second := types.StepDefinition{ID: "dup", Metadata: types.StepMetadata{Name: "b", Version: "2"}, Execute: noop}

	require.NoError(t, f.RegisterStep(first))
	err := f.RegisterStep(second)

	var dup *DuplicateStepError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "dup", dup.StepID)

	got, err := f.GetStep("dup")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Metadata.Name)
}

func TestRegisterStep_RejectsBadExecutionConfig(t *testing.T) {
	f := newTestFactory(t)
	def := types.StepDefinition{ID: "x", Metadata: types.StepMetadata{Name: "a", Version: "1"}, Execute: noop}

	def.ExecutionConfig = &types.ExecutionConfig{Retry: &types.RetryConfig{MaxAttempts: 0}}
	err := f.RegisterStep(def)
	assert.ErrorIs(t, err, ErrInvalidStep)
	assert.ErrorIs(t, err, ErrInvalidRetryConfig)

	def.ExecutionConfig = &types.ExecutionConfig{Timeout: &types.TimeoutConfig{Execution: 0}}
	assert.ErrorIs(t, f.RegisterStep(def), ErrInvalidStep)
}

func TestGetStep_ReturnsCopy(t *testing.T) {
	f := newTestFactory(t)
	require.NoError(t, f.RegisterStep(types.StepDefinition{
		ID:       "s",
		Metadata: types.StepMetadata{Name: "a", Version: "1", Tags: []string{"x"}},
		Execute:  noop,
	}))

	got, err := f.GetStep("s")
	require.NoError(t, err)
	got.Metadata.Tags[0] = "changed"

	again, err := f.GetStep("s")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Metadata.Tags)
}

func TestCreateExecutableStepByID(t *testing.T) {
	f := newTestFactory(t)
	require.NoError(t, f.RegisterStep(types.StepDefinition{
		ID:       "echo",
		Metadata: types.StepMetadata{Name: "echo", Version: "1"},
		Execute: func(ctx context.Context, sc *types.StepContext) (any, error) {
			return sc.Input, nil
		},
	}))

	step, err := f.CreateExecutableStepByID("echo")
	require.NoError(t, err)
	result := step.Execute(context.Background(), ExecutionRequest{Input: "hi"})
	assert.Equal(t, "hi", result.Output)

	_, err = f.CreateExecutableStepByID("missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.StepID)
}

func TestCreateExecutableStep_Invalid(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.CreateExecutableStep(types.StepDefinition{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestCreateExecutableStep_FactoryExecOptions(t *testing.T) {
	f := newTestFactory(t, WithExecOptions(WithDefaultTimeout(10*time.Millisecond)))
	step, err := f.CreateExecutableStep(types.StepDefinition{
		ID:       "slow",
		Metadata: types.StepMetadata{Name: "slow", Version: "1"},
		Execute: func(ctx context.Context, sc *types.StepContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	result := step.Execute(context.Background(), ExecutionRequest{})
	assert.Equal(t, types.CodeStepTimeout, result.Error.Code)
}

func TestCreateFromTemplate(t *testing.T) {
	f := newTestFactory(t)

	def, err := f.CreateFromTemplate(TemplateHTTP,
		types.StepMetadata{Name: "Fetch user", Tags: []string{"users", "http"}},
		WithID("fetch-user"),
		WithDependencies("auth"),
	)
	require.NoError(t, err)

	assert.Equal(t, "fetch-user", def.ID)
	assert.Equal(t, "Fetch user", def.Metadata.Name)
	assert.Equal(t, "1.0.0", def.Metadata.Version)
	assert.Equal(t, "integration", def.Metadata.Category)
	assert.Equal(t, []string{"http", "network", "users"}, def.Metadata.Tags)
	assert.Equal(t, []string{"auth"}, def.Dependencies)
	require.NotNil(t, def.ValidationConfig)
	assert.True(t, def.ValidationConfig.ValidateInput)
	require.NoError(t, f.RegisterStep(def))
}

func TestCreateFromTemplate_Unknown(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.CreateFromTemplate("ftp", types.StepMetadata{})
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}
