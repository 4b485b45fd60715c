// Package pipeline contains the two orchestrators: the ingest pipeline
// (persist, caption, archive, fuse, upsert) and the query handler
// (embed text, top-k retrieval).
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/7-4-7/Deep-Image-Retreival/models"
	"github.com/7-4-7/Deep-Image-Retreival/services"
	"github.com/7-4-7/Deep-Image-Retreival/storage"
)

// MediaStore is the filesystem side of ingest.
type MediaStore interface {
	Persist(uploads []storage.Upload) ([]storage.StoredImage, error)
	ListIncoming() ([]storage.StoredImage, error)
	Locate(id string) (storage.StoredImage, error)
	Archive() error
	ArchivePath(id string) string
}

// Captioner turns a set of stored images into an id -> captions mapping.
// Failed images are omitted, never reported as an error.
type Captioner interface {
	CaptionBatch(ctx context.Context, images []storage.StoredImage) map[string][]string
}

// Embedder produces unit-norm vectors.
type Embedder interface {
	Fuse(ctx context.Context, imagePath string, captions []string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the durable record side of ingest and the retrieval side of
// search. The store is bound to one index at construction.
type VectorStore interface {
	EnsureIndex(ctx context.Context, dimension int, metric string) error
	Upsert(ctx context.Context, records []models.ImageVector) error
	Query(ctx context.Context, vector []float32, k int, namespace string) ([]services.Match, error)
}

// FailedItem reports one image dropped mid-pipeline.
type FailedItem struct {
	ID     string `json:"id"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Result is the outcome of one ingest run. Captions holds the ids that made
// it through captioning; Failed lists the ids that were dropped and at which
// stage, so partial failure is visible to the caller.
type Result struct {
	Captions map[string][]string `json:"captions"`
	Failed   []FailedItem        `json:"failed"`
}

// IngestPipeline moves a batch of uploads through
// persist -> caption -> archive -> embed -> upsert. Per-image failures during
// captioning or embedding drop the image and continue; a vector store failure
// fails the run. Runs are serialized by an internal mutex because the
// incoming area is a shared snapshot with no locking discipline of its own;
// cross-process serialization goes through the redis queue and a single
// worker pool.
type IngestPipeline struct {
	media     MediaStore
	captioner Captioner
	embedder  Embedder
	store     VectorStore

	namespace string
	dimension int
	log       *slog.Logger

	mu sync.Mutex
}

const embedConcurrency = 4

func NewIngestPipeline(media MediaStore, captioner Captioner, embedder Embedder, store VectorStore, namespace string, dimension int, logger *slog.Logger) *IngestPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestPipeline{
		media:     media,
		captioner: captioner,
		embedder:  embedder,
		store:     store,
		namespace: namespace,
		dimension: dimension,
		log:       logger,
	}
}

// Run ingests one upload batch end to end.
func (p *IngestPipeline) Run(ctx context.Context, uploads []storage.Upload) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Info("starting upload pipeline", "files", len(uploads))

	stored, err := p.media.Persist(uploads)
	if err != nil {
		// Earlier files in the batch stay in the incoming area and will be
		// picked up by the next run's snapshot.
		p.log.Error("persist failed", "stored", len(stored), "error", err)
		return nil, err
	}
	p.log.Info("uploads stored", "count", len(stored))

	snapshot, err := p.media.ListIncoming()
	if err != nil {
		return nil, err
	}
	return p.process(ctx, snapshot, nil)
}

// RunIncoming processes whatever is currently in the incoming area without
// persisting anything new.
func (p *IngestPipeline) RunIncoming(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot, err := p.media.ListIncoming()
	if err != nil {
		return nil, err
	}
	return p.process(ctx, snapshot, nil)
}

// RunImages processes exactly the given ids, which the API persisted earlier.
// The worker uses this so each queued task's result covers that task's files
// and nothing else. Files are located in whichever area currently holds them;
// archival stays directory-level.
func (p *IngestPipeline) RunImages(ctx context.Context, ids []string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		images []storage.StoredImage
		failed []FailedItem
	)
	for _, id := range ids {
		img, err := p.media.Locate(id)
		if err != nil {
			p.log.Warn("image file not found, skipping", "id", id, "error", err)
			failed = append(failed, FailedItem{ID: id, Stage: "caption", Reason: "image file not found"})
			continue
		}
		images = append(images, img)
	}
	return p.process(ctx, images, failed)
}

// process runs the caption, archive, embed, and push stages over the given
// images. Archival is unconditional on the directory level: a caption failure
// on one file must not strand the others in the incoming area.
func (p *IngestPipeline) process(ctx context.Context, images []storage.StoredImage, failed []FailedItem) (*Result, error) {
	captions := p.captioner.CaptionBatch(ctx, images)
	for _, img := range images {
		if _, ok := captions[img.ID]; !ok {
			failed = append(failed, FailedItem{
				ID:     img.ID,
				Stage:  "caption",
				Reason: "caption generation or parsing failed",
			})
		}
	}
	if err := p.media.Archive(); err != nil {
		return nil, err
	}
	p.log.Info("captioning complete", "captioned", len(captions), "failed", len(failed))

	records, embedFailed := p.runEmbedding(ctx, captions)
	failed = append(failed, embedFailed...)
	p.log.Info("embedding complete", "embedded", len(records), "failed", len(embedFailed))

	if err := p.push(ctx, records); err != nil {
		return nil, err
	}

	return &Result{Captions: captions, Failed: failed}, nil
}

// runEmbedding fuses each captioned image against its archived file. Images
// that fail to embed are dropped and reported; output order is irrelevant
// since records are keyed by id.
func (p *IngestPipeline) runEmbedding(ctx context.Context, captions map[string][]string) ([]models.ImageVector, []FailedItem) {
	var (
		mu      sync.Mutex
		records []models.ImageVector
		failed  []FailedItem
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for id, caps := range captions {
		id, caps := id, caps
		g.Go(func() error {
			vector, err := p.embedder.Fuse(gctx, p.media.ArchivePath(id), caps)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Warn("embedding failed, skipping image", "id", id, "error", err)
				failed = append(failed, FailedItem{ID: id, Stage: "embed", Reason: err.Error()})
				return nil
			}
			records = append(records, models.ImageVector{
				ID:        id,
				Namespace: p.namespace,
				Captions:  caps,
				ImagePath: p.media.ArchivePath(id),
				Embedding: pgvector.NewVector(vector),
			})
			return nil
		})
	}
	_ = g.Wait()

	return records, failed
}

// push ensures the index exists and upserts all records. A StoreError fails
// the run but rolls nothing back: files are already archived and re-running
// push is safe because upsert overwrites by id.
func (p *IngestPipeline) push(ctx context.Context, records []models.ImageVector) error {
	if len(records) == 0 {
		return nil
	}
	if err := p.store.EnsureIndex(ctx, p.dimension, "cosine"); err != nil {
		return err
	}
	if err := p.store.Upsert(ctx, records); err != nil {
		return err
	}
	p.log.Info("pushed vectors", "count", len(records))
	return nil
}
