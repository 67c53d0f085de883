// Package rules provides the versioned rule repository and the CEL
// condition engine used to gate pricing rules.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxCachedPrograms bounds the compiled-program cache.
const maxCachedPrograms = 1024

// Engine compiles and evaluates rule conditions.
//
// Conditions are CEL expressions over the price request:
//
//	product_id, category, segment, currency  string
//	base_price, cost                         double
//	attributes                               map(string, dyn)
//
// A condition must produce a bool.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEngine creates a condition engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("product_id", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("segment", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("base_price", cel.DoubleType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles expr without caching it.
func (e *Engine) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Match evaluates expr against the request. An empty expression always matches.
func (e *Engine) Match(ctx context.Context, expr string, req *domain.PriceRequest) (bool, error) {
	if expr == "" {
		return true, nil
	}

	program, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := program.ContextEval(ctx, activation(req))
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition returned %s, want bool", out.Type().TypeName())
	}
	return bool(b), nil
}

// CachedPrograms returns the number of compiled conditions held.
func (e *Engine) CachedPrograms() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Close drops every compiled program.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.programs) >= maxCachedPrograms {
		e.programs = make(map[string]cel.Program)
	}
	e.programs[expr] = program
	e.mu.Unlock()

	return program, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition must return bool, got %s", outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition program: %w", err)
	}
	return program, nil
}

func activation(req *domain.PriceRequest) map[string]any {
	vars := map[string]any{
		"product_id": req.Context.ProductID,
		"category":   req.Context.Category,
		"segment":    req.Context.Segment,
		"currency":   req.Currency,
		"base_price": 0.0,
		"cost":       0.0,
		"attributes": map[string]any{},
	}
	if req.BasePrice != nil {
		vars["base_price"] = *req.BasePrice
	}
	if req.Cost != nil {
		vars["cost"] = *req.Cost
	}
	if req.Context.Attributes != nil {
		vars["attributes"] = req.Context.Attributes
	}
	return vars
}
