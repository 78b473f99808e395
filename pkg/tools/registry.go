package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry maps tool names to variants.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds tools. The call is all-or-nothing: if any name is already
// taken, or repeated within tools, nothing is registered.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return fmt.Errorf("tool name must not be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		seen[name] = struct{}{}
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Specs returns provider declarations for every tool, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, Spec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema().JSONSchema(),
		})
	}
	slices.SortFunc(specs, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })
	return specs
}

// Dispatch runs one call. The returned error is non-nil only for context
// cancellation and for handler errors marked Fatal; everything else is
// reported through the Result.
func (r *Registry) Dispatch(ctx context.Context, call Call) (res Result, err error) {
	res = Result{CallID: call.ID, Name: call.Name}

	tool, ok := r.Get(call.Name)
	if !ok {
		res.ErrorKind = KindUnknownTool
		res.Message = fmt.Sprintf("%v: %s (available: %v)", ErrUnknownTool, call.Name, r.Names())
		return res, nil
	}

	if _, verr := tool.Schema().Validate(call.Arguments); verr != nil {
		res.ErrorKind = KindInvalidArguments
		res.Message = verr.Error()
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", zap.String("tool", call.Name), zap.Any("panic", p))
			res.ErrorKind = KindToolFailed
			res.Message = fmt.Sprintf("tool panicked: %v", p)
			err = nil
		}
	}()

	out, herr := tool.Invoke(ctx, call.Arguments)
	if herr != nil {
		return r.handlerError(ctx, res, herr, time.Since(start))
	}

	if cr, ok := out.(ComputeReporter); ok {
		res.Compute = cr.ComputeTime()
	}
	b, merr := json.Marshal(out)
	if merr != nil {
		res.ErrorKind = KindToolFailed
		res.Message = fmt.Sprintf("failed to encode output: %v", merr)
		return res, nil
	}
	res.Output = b
	return res, nil
}

func (r *Registry) handlerError(ctx context.Context, res Result, herr error, elapsed time.Duration) (Result, error) {
	if IsFatal(herr) {
		return res, herr
	}
	if errors.Is(herr, context.Canceled) || errors.Is(herr, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	var kerr *Error
	if errors.As(herr, &kerr) {
		res.ErrorKind = kerr.Kind
		res.Message = kerr.Message
		if kerr.Output != nil {
			if cr, ok := kerr.Output.(ComputeReporter); ok {
				res.Compute = cr.ComputeTime()
			}
			if b, err := json.Marshal(kerr.Output); err == nil {
				res.Output = b
			}
		}
		return res, nil
	}

	r.logger.Debug("tool failed",
		zap.String("tool", res.Name),
		zap.Duration("elapsed", elapsed),
		zap.Error(herr))
	res.ErrorKind = KindToolFailed
	res.Message = herr.Error()
	return res, nil
}
