// Package dataflow implements the transform/validate pipeline applied at
// workflow and task granularity: workflow input -> task input -> task output
// -> task export -> workflow output.
package dataflow

import (
	"context"
	"encoding/json"

	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/pkg/model"
)

// Validator checks a value against a raw JSON Schema document.
// Satisfied by *validation.SchemaValidator and test stubs.
type Validator interface {
	Validate(schema json.RawMessage, value any) error
}

// Processor runs the pipeline stages. It is purely functional beyond
// invoking the injected expression engine and validator; any stage failure
// is a typed error for the enclosing try scope.
type Processor struct {
	engine    expressions.Engine
	validator Validator
}

// NewProcessor creates a Processor around an expression engine and a schema
// validator.
func NewProcessor(engine expressions.Engine, validator Validator) *Processor {
	return &Processor{engine: engine, validator: validator}
}

// ProcessInput validates raw against the contract schema, then evaluates the
// from expression with raw as the expression root. Validation strictly
// precedes transformation: a schema failure means the transform is never
// evaluated. A nil contract or empty from is the identity.
func (p *Processor) ProcessInput(ctx context.Context, raw any, contract *model.InputContract, vars map[string]any) (any, error) {
	if contract == nil {
		return raw, nil
	}
	if err := p.validator.Validate(contract.Schema, raw); err != nil {
		return nil, err
	}
	if contract.From == "" {
		return raw, nil
	}
	return p.engine.Evaluate(ctx, expressions.Normalize(contract.From), raw, vars)
}

// ProcessOutput evaluates the as expression with raw as the root, THEN
// validates the result. The order is deliberately the inverse of input:
// the schema constrains what the task hands onward, not what the action
// produced.
func (p *Processor) ProcessOutput(ctx context.Context, raw any, contract *model.OutputContract, vars map[string]any) (any, error) {
	if contract == nil {
		return raw, nil
	}
	transformed := raw
	if contract.As != "" {
		var err error
		transformed, err = p.engine.Evaluate(ctx, expressions.Normalize(contract.As), raw, vars)
		if err != nil {
			return nil, err
		}
	}
	if err := p.validator.Validate(contract.Schema, transformed); err != nil {
		return nil, err
	}
	return transformed, nil
}

// ProcessExport evaluates the export expression with the transformed output
// as the root and both $output and $context addressable, validates the
// result when a schema is present, and returns the value that REPLACES the
// workflow context. Callers wanting merge semantics express
// `$context + {...}` themselves. A nil contract or empty as leaves the
// context untouched.
func (p *Processor) ProcessExport(ctx context.Context, output, current any, contract *model.OutputContract, vars map[string]any) (any, error) {
	if contract == nil || contract.As == "" {
		if contract != nil {
			if err := p.validator.Validate(contract.Schema, current); err != nil {
				return nil, err
			}
		}
		return current, nil
	}

	bound := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		bound[k] = v
	}
	bound[expressions.VarOutput] = output
	bound[expressions.VarContext] = current

	next, err := p.engine.Evaluate(ctx, expressions.Normalize(contract.As), output, bound)
	if err != nil {
		return nil, err
	}
	if err := p.validator.Validate(contract.Schema, next); err != nil {
		return nil, err
	}
	return next, nil
}
