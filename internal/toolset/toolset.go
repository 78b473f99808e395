// Package toolset provides the builtin tools offered to every session.
package toolset

import (
	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/sandbox"
	"github.com/aixgo-dev/genorch/pkg/tools"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
)

// Deps are the collaborators the builtins need. A nil Executor omits
// execute_code; a nil Store or Embedder omits search_design_patterns.
type Deps struct {
	Executor sandbox.Executor
	Store    vectorstore.Store
	Embedder embeddings.EmbeddingService
}

// Register adds every builtin whose dependencies are present.
func Register(r *tools.Registry, deps Deps) error {
	list := []tools.Tool{InsertEquation()}
	if deps.Executor != nil {
		list = append(list, ExecuteCode(deps.Executor))
	}
	if deps.Store != nil && deps.Embedder != nil {
		list = append(list, SearchDesignPatterns(deps.Store, deps.Embedder))
	}
	return r.Register(list...)
}
