package steps

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// StepOption customizes a definition built by CreateStep or
// CreateFromTemplate.
type StepOption func(*types.StepDefinition)

// WithID sets the step id instead of generating one.
func WithID(id string) StepOption {
	return func(d *types.StepDefinition) {
		d.ID = id
	}
}

// WithRetry sets the retry policy.
func WithRetry(cfg types.RetryConfig) StepOption {
	return func(d *types.StepDefinition) {
		ensureExecutionConfig(d).Retry = &cfg
	}
}

// WithTimeout bounds every attempt.
func WithTimeout(timeout time.Duration) StepOption {
	return func(d *types.StepDefinition) {
		ensureExecutionConfig(d).Timeout = &types.TimeoutConfig{Execution: timeout}
	}
}

// WithInputSchema validates the input before execution.
func WithInputSchema(schema types.Schema) StepOption {
	return func(d *types.StepDefinition) {
		vc := ensureValidationConfig(d)
		vc.ValidateInput = schema != nil
		vc.Input = schema
	}
}

// WithOutputSchema validates the output after a successful execution.
func WithOutputSchema(schema types.Schema) StepOption {
	return func(d *types.StepDefinition) {
		vc := ensureValidationConfig(d)
		vc.ValidateOutput = schema != nil
		vc.Output = schema
	}
}

// WithCondition skips the step whenever fn returns false.
func WithCondition(fn types.ConditionFunc) StepOption {
	return func(d *types.StepDefinition) {
		d.Condition = fn
	}
}

// WithDependencies sets the ids that must complete first.
func WithDependencies(ids ...string) StepOption {
	return func(d *types.StepDefinition) {
		d.Dependencies = append([]string(nil), ids...)
	}
}

func ensureExecutionConfig(d *types.StepDefinition) *types.ExecutionConfig {
	if d.ExecutionConfig == nil {
		d.ExecutionConfig = &types.ExecutionConfig{}
	}
	return d.ExecutionConfig
}

func ensureValidationConfig(d *types.StepDefinition) *types.ValidationConfig {
	if d.ValidationConfig == nil {
		d.ValidationConfig = &types.ValidationConfig{}
	}
	return d.ValidationConfig
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFactoryLogger sets the factory logger. It is also handed to every
// executable step the factory builds.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTemplateDeps supplies the clients used by template steps.
func WithTemplateDeps(deps TemplateDeps) FactoryOption {
	return func(f *Factory) {
		f.deps = deps
	}
}

// WithExecOptions adds options applied to every executable step.
func WithExecOptions(opts ...ExecOption) FactoryOption {
	return func(f *Factory) {
		f.execOpts = append(f.execOpts, opts...)
	}
}

// Factory creates step definitions and keeps a catalog of the ones
// registered with it.
type Factory struct {
	generate generator.Generator
	logger   *slog.Logger
	deps     TemplateDeps
	execOpts []ExecOption

	mu    sync.RWMutex
	steps map[string]types.StepDefinition
	order []string
}

// NewFactory creates a Factory. Every template step is registered under
// "template.<name>".
func NewFactory(generate generator.Generator, opts ...FactoryOption) (*Factory, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	f := &Factory{
		generate: generate,
		logger:   slog.Default(),
		steps:    make(map[string]types.StepDefinition),
	}
	for _, opt := range opts {
		opt(f)
	}

	for _, name := range TemplateNames() {
		def := templates[name](f.deps)
		def.ID = TemplateStepID(name)
		if err := f.RegisterStep(def); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// GenerateID returns a new unique step id.
func (f *Factory) GenerateID() (string, error) {
	id, err := f.generate.NextID()
	if err != nil {
		return "", err
	}
	return "step_" + strconv.FormatUint(id, 10), nil
}

// CreateStep assembles a definition without registering it. An id is
// generated unless WithID is given.
func (f *Factory) CreateStep(metadata types.StepMetadata, fn types.ExecuteFunc, opts ...StepOption) (types.StepDefinition, error) {
	def := types.StepDefinition{
		Metadata: metadata,
		Execute:  fn,
	}
	def.Metadata.Tags = append([]string(nil), metadata.Tags...)
	return f.finish(def, opts)
}

func (f *Factory) finish(def types.StepDefinition, opts []StepOption) (types.StepDefinition, error) {
	for _, opt := range opts {
		opt(&def)
	}
	if def.ID == "" {
		id, err := f.GenerateID()
		if err != nil {
			return types.StepDefinition{}, err
		}
		def.ID = id
	}
	return def, nil
}

// RegisterStep validates def and adds it to the catalog.
func (f *Factory) RegisterStep(def types.StepDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.steps[def.ID]; exists {
		return &DuplicateStepError{StepID: def.ID}
	}
	f.steps[def.ID] = def.Clone()
	f.order = append(f.order, def.ID)
	f.logger.Debug("step registered", logging.StepID(def.ID), slog.String("name", def.Metadata.Name))
	return nil
}

// GetStep returns a registered definition.
func (f *Factory) GetStep(id string) (types.StepDefinition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	def, ok := f.steps[id]
	if !ok {
		return types.StepDefinition{}, &NotFoundError{StepID: id}
	}
	return def.Clone(), nil
}

// ListSteps returns every registered definition in registration order,
// template steps first.
func (f *Factory) ListSteps() []types.StepDefinition {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.StepDefinition, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.steps[id].Clone())
	}
	return out
}

// CreateExecutableStep wraps def. The definition does not need to be
// registered but must be valid.
func (f *Factory) CreateExecutableStep(def types.StepDefinition, opts ...ExecOption) (*ExecutableStep, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	all := make([]ExecOption, 0, len(f.execOpts)+len(opts)+1)
	all = append(all, WithLogger(f.logger))
	all = append(all, f.execOpts...)
	all = append(all, opts...)
	return NewExecutableStep(def, all...), nil
}

// CreateExecutableStepByID wraps a registered definition.
func (f *Factory) CreateExecutableStepByID(id string, opts ...ExecOption) (*ExecutableStep, error) {
	def, err := f.GetStep(id)
	if err != nil {
		return nil, err
	}
	return f.CreateExecutableStep(def, opts...)
}

// CreateFromTemplate builds a definition from a named template. Non-empty
// fields of metadata override the template's; tags are merged.
func (f *Factory) CreateFromTemplate(name string, metadata types.StepMetadata, opts ...StepOption) (types.StepDefinition, error) {
	build, ok := templates[name]
	if !ok {
		return types.StepDefinition{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	def := build(f.deps)
	if metadata.Name != "" {
		def.Metadata.Name = metadata.Name
	}
	if metadata.Version != "" {
		def.Metadata.Version = metadata.Version
	}
	if metadata.Category != "" {
		def.Metadata.Category = metadata.Category
	}
	if metadata.Description != "" {
		def.Metadata.Description = metadata.Description
	}
	for _, tag := range metadata.Tags {
		if !def.Metadata.HasTag(tag) {
			def.Metadata.Tags = append(def.Metadata.Tags, tag)
		}
	}
	return f.finish(def, opts)
}
