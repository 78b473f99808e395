// Package firestore implements a retrieval store on Google Cloud Firestore.
// Chunks are stored one document per id; similarity is scored client-side
// after metadata filters are pushed down as equality predicates.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store implements vectorstore.Store on a Firestore collection.
//
// Important Notes:
//   - BulkWriter batches writes; Firestore limits a batch to 500 operations
//   - Filters on metadata need single-field indexes, which Firestore creates by default
type Store struct {
	client  *firestore.Client
	coll    *firestore.CollectionRef
	dims    int
	ownsCli bool
}

type chunkDoc struct {
	Text      string             `firestore:"text"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	Metadata  map[string]string  `firestore:"metadata,omitempty"`
	UpdatedAt time.Time          `firestore:"updated_at"`
}

func init() {
	vectorstore.Register("firestore", func(ctx context.Context, cfg vectorstore.Config) (vectorstore.Store, error) {
		return New(ctx, *cfg.Firestore, cfg.EmbeddingDimensions)
	})
}

// New connects to Firestore using the given credentials file or
// Application Default Credentials.
func New(ctx context.Context, cfg vectorstore.FirestoreConfig, dims int) (*Store, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "chunks"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var client *firestore.Client
	var err error
	if cfg.DatabaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID, opts...)
	} else {
		client, err = firestore.NewClient(ctx, cfg.ProjectID, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	s := NewFromClient(client, collection, dims)
	s.ownsCli = true
	return s, nil
}

// NewFromClient wraps an existing client, e.g. one pointed at the emulator.
func NewFromClient(client *firestore.Client, collection string, dims int) *Store {
	return &Store{
		client: client,
		coll:   client.Collection(collection),
		dims:   dims,
	}
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(ctx context.Context, chunks []vectorstore.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := vectorstore.ValidateChunks(chunks, s.dims); err != nil {
		return 0, err
	}

	// Last write wins for duplicate ids within a batch.
	latest := make(map[string]vectorstore.Chunk, len(chunks))
	order := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if _, seen := latest[c.ID]; !seen {
			order = append(order, c.ID)
		}
		latest[c.ID] = c
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(order))
	now := time.Now().UTC()
	for _, id := range order {
		job, err := bw.Set(s.coll.Doc(id), toDoc(latest[id], now))
		if err != nil {
			bw.End()
			return 0, classify(ctx, "upsert", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return 0, classify(ctx, "upsert", err)
		}
	}
	return len(order), nil
}

// Search implements vectorstore.Store.
func (s *Store) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	if err := vectorstore.ValidateQuery(q, s.dims); err != nil {
		return nil, err
	}

	query := s.coll.Query
	for k, v := range q.Filter {
		query = query.Where(metadataPath(k), "==", v)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	matches := make([]vectorstore.Match, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(ctx, "search", err)
		}
		var d chunkDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode chunk %s: %w", snap.Ref.ID, err)
		}
		c := fromDoc(snap.Ref.ID, d)
		score := vectorstore.Cosine(q.Embedding, c.Embedding)
		if q.MinScore > 0 && score < q.MinScore {
			continue
		}
		matches = append(matches, vectorstore.Match{Chunk: c, Score: score})
	}
	return vectorstore.Rank(matches, q.TopK), nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(ids))
	for _, id := range ids {
		job, err := bw.Delete(s.coll.Doc(id))
		if err != nil {
			bw.End()
			return classify(ctx, "delete", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return classify(ctx, "delete", err)
		}
	}
	return nil
}

// Count implements vectorstore.Store using a server-side count aggregation.
func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.coll.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, classify(ctx, "count", err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result type %T", res["all"])
	}
	return int(v.GetIntegerValue()), nil
}

// Close releases the client if the store created it.
func (s *Store) Close() error {
	if s.ownsCli {
		return s.client.Close()
	}
	return nil
}

func metadataPath(key string) string {
	return "metadata." + key
}

func toDoc(c vectorstore.Chunk, now time.Time) chunkDoc {
	return chunkDoc{
		Text:      c.Text,
		Embedding: firestore.Vector32(append([]float32(nil), c.Embedding...)),
		Metadata:  c.Metadata,
		UpdatedAt: now,
	}
}

func fromDoc(id string, d chunkDoc) vectorstore.Chunk {
	return vectorstore.Chunk{
		ID:        id,
		Text:      d.Text,
		Embedding: []float32(d.Embedding),
		Metadata:  d.Metadata,
	}
}

// classify marks retryable gRPC statuses as vectorstore.ErrUnavailable.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if transient(err) {
		return vectorstore.UnavailableError(op, err)
	}
	return fmt.Errorf("firestore %s: %w", op, err)
}

func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}
