package server

import (
	"fmt"
	"net/http"

	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/gin-gonic/gin"
)

const defaultSearchTopK = 5

type upsertChunksRequest struct {
	Chunks []vectorstore.Chunk `json:"chunks" binding:"required"`
}

type searchRequest struct {
	Query    string            `json:"query" binding:"required"`
	TopK     int               `json:"top_k"`
	MinScore float32           `json:"min_score"`
	Filter   map[string]string `json:"filter"`
}

func (s *Server) retrievalReady(c *gin.Context) bool {
	if s.deps.Store == nil || s.deps.Embedder == nil {
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "retrieval is not configured")
		return false
	}
	return true
}

// upsertChunks embeds the chunks that arrive without an embedding and
// writes the batch. The store validates the whole batch before writing.
func (s *Server) upsertChunks(c *gin.Context) {
	if !s.retrievalReady(c) {
		return
	}
	var req upsertChunksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	var (
		texts []string
		index []int
	)
	for i, ch := range req.Chunks {
		if len(ch.Embedding) == 0 && ch.Text != "" {
			texts = append(texts, ch.Text)
			index = append(index, i)
		}
	}
	if len(texts) > 0 {
		vecs, err := s.deps.Embedder.EmbedBatch(c.Request.Context(), texts)
		if err != nil {
			respondErrorWithDetails(c, http.StatusBadGateway, ErrCodeUnavailable, "embedding failed", err.Error())
			return
		}
		if len(vecs) != len(texts) {
			respondError(c, http.StatusBadGateway, ErrCodeUnavailable,
				fmt.Sprintf("embedder returned %d vectors for %d texts", len(vecs), len(texts)))
			return
		}
		for j, i := range index {
			req.Chunks[i].Embedding = vecs[j]
		}
	}

	n, err := s.deps.Store.Upsert(c.Request.Context(), req.Chunks)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": n})
}

func (s *Server) countChunks(c *gin.Context) {
	if !s.retrievalReady(c) {
		return
	}
	n, err := s.deps.Store.Count(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) deleteChunk(c *gin.Context) {
	if !s.retrievalReady(c) {
		return
	}
	if err := s.deps.Store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) search(c *gin.Context) {
	if !s.retrievalReady(c) {
		return
	}
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if req.TopK == 0 {
		req.TopK = defaultSearchTopK
	}
	vec, err := s.deps.Embedder.Embed(c.Request.Context(), req.Query)
	if err != nil {
		respondErrorWithDetails(c, http.StatusBadGateway, ErrCodeUnavailable, "embedding failed", err.Error())
		return
	}
	matches, err := s.deps.Store.Search(c.Request.Context(), vectorstore.Query{
		Embedding: vec,
		TopK:      req.TopK,
		MinScore:  req.MinScore,
		Filter:    req.Filter,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	if matches == nil {
		matches = []vectorstore.Match{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}
