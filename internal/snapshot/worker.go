// Package snapshot periodically exports whole boards to object storage so
// cold boards can be archived and freshly connecting clients can hydrate
// without scanning the authoritative store.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/types"
)

const (
	defaultInterval  = 30 * time.Second
	defaultThreshold = int64(100)
)

// Payload is the JSON document persisted per export: every object of the
// board with its field clocks and tombstone marker, so an importer can merge
// it like any other source of changes.
type Payload struct {
	Board      types.BoardID  `json:"board_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Objects    []types.Object `json:"objects"`
}

// DecodePayload unmarshals an export payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// Worker inspects per-board mutation volume and emits board exports to object
// storage when enough objects changed since the previous export.
type Worker struct {
	store  *storage.Store
	object *minio.Client
	bucket string

	interval  time.Duration
	threshold int64

	logger zerolog.Logger
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithInterval sets how often boards are inspected.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = d
	}
}

// WithThreshold sets the number of changed objects that triggers an export.
func WithThreshold(n int64) WorkerOption {
	return func(w *Worker) {
		w.threshold = n
	}
}

// NewWorker constructs an export worker with sane defaults.
func NewWorker(store *storage.Store, object *minio.Client, bucket string, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:     store,
		object:    object,
		bucket:    bucket,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic export loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	boards, err := w.store.Boards(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("listing boards for export failed")
		return
	}
	for _, board := range boards {
		if err := w.processBoard(ctx, board); err != nil {
			w.logger.Error().Err(err).Str("board", string(board)).Msg("board export failed")
		}
	}
}

func (w *Worker) processBoard(ctx context.Context, board types.BoardID) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	latest, err := w.store.LatestExport(ctx, board)
	if err != nil {
		return fmt.Errorf("lookup latest export: %w", err)
	}

	changed, err := w.store.CountUpdatedSince(ctx, board, latest.ExportedAt)
	if err != nil {
		return fmt.Errorf("count changed objects: %w", err)
	}
	if changed < w.threshold {
		return nil
	}

	objects, err := w.store.ListBoardObjects(ctx, board)
	if err != nil {
		return fmt.Errorf("list board objects: %w", err)
	}

	exportedAt := time.Now().UTC()
	payload := Payload{Board: board, ExportedAt: exportedAt, Objects: objects}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode export payload: %w", err)
	}

	objectPath := fmt.Sprintf("exports/%s/%d.json", board, exportedAt.UnixMilli())
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}

	ref := storage.ExportRef{
		Board:       board,
		ObjectPath:  objectPath,
		ObjectCount: len(objects),
		ExportedAt:  exportedAt,
	}
	if err := w.store.RecordExport(ctx, ref); err != nil {
		return fmt.Errorf("persist export ref: %w", err)
	}

	w.logger.Info().Str("board", string(board)).Int("objects", len(objects)).Str("path", objectPath).Msg("board exported")
	return nil
}
