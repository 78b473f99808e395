package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a registered variant.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	// Invoke runs the tool on arguments that already passed Schema.Validate.
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}

// Typed is a Tool whose input and output are Go types. The schema is
// reflected from I.
type Typed[I, O any] struct {
	name        string
	description string
	handler     func(context.Context, I) (O, error)
	schema      Schema
}

// NewTyped creates a type-safe tool with a generated schema.
func NewTyped[I, O any](name, description string, handler func(context.Context, I) (O, error)) *Typed[I, O] {
	return &Typed[I, O]{
		name:        name,
		description: description,
		handler:     handler,
		schema:      schemaFor[I](),
	}
}

// Name returns the tool name.
func (t *Typed[I, O]) Name() string { return t.name }

// Description returns the tool description.
func (t *Typed[I, O]) Description() string { return t.description }

// Schema returns the generated schema.
func (t *Typed[I, O]) Schema() Schema { return t.schema }

// Invoke decodes args into I and calls the handler.
func (t *Typed[I, O]) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var input I
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, NewError(KindInvalidArguments, fmt.Sprintf("failed to decode arguments: %v", err), nil)
		}
	}
	return t.handler(ctx, input)
}
