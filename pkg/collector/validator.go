package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/illmade-knight/go-campaignflow/pkg/types"
)

// ErrInvalidEvent marks a submission the collector refuses. Validators wrap it
// so the handler can answer 400.
var ErrInvalidEvent = errors.New("invalid event")

// Validator decides whether an event may be published.
type Validator interface {
	Validate(ctx context.Context, event types.Event) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, event types.Event) error

func (f ValidatorFunc) Validate(ctx context.Context, event types.Event) error { return f(ctx, event) }

// StructuralValidator checks the shape every event must have. When Sources is
// non-empty the event source must be one of them, compared case-insensitively.
type StructuralValidator struct {
	Sources []string
}

func (v StructuralValidator) Validate(_ context.Context, event types.Event) error {
	if strings.TrimSpace(event.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	if event.Payload == nil {
		return fmt.Errorf("%w: payload must be an object", ErrInvalidEvent)
	}
	if len(v.Sources) == 0 {
		return nil
	}
	for _, s := range v.Sources {
		if strings.EqualFold(s, event.Source) {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported source %q", ErrInvalidEvent, event.Source)
}

// CELValidator accepts an event only when a CEL predicate over `event`
// evaluates to true. The event is exposed as a map with the keys source,
// payload, timestamp and id.
type CELValidator struct {
	expr string
	prog cel.Program
}

// NewCELValidator compiles expr. The expression must have a boolean result.
func NewCELValidator(expr string) (*CELValidator, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("CEL expression cannot be empty")
	}
	env, err := cel.NewEnv(cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", out)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL program: %w", err)
	}
	return &CELValidator{expr: expr, prog: prog}, nil
}

func (v *CELValidator) Validate(ctx context.Context, event types.Event) error {
	out, _, err := v.prog.ContextEval(ctx, map[string]any{
		"event": map[string]any{
			"source":    event.Source,
			"payload":   types.NativeNumbers(event.Payload),
			"timestamp": event.Timestamp,
			"id":        event.ID,
		},
	})
	if err != nil {
		// A missing field in the payload is a rejection, not a server fault.
		return fmt.Errorf("%w: filter evaluation failed: %v", ErrInvalidEvent, err)
	}
	if ok, _ := out.Value().(bool); !ok {
		return fmt.Errorf("%w: rejected by filter", ErrInvalidEvent)
	}
	return nil
}

// Chain runs validators in order and stops at the first failure.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, event types.Event) error {
	for _, v := range c {
		if v == nil {
			continue
		}
		if err := v.Validate(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
