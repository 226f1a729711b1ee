package jobs

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/intake"
)

// itemWriter はキューのオブザーバーから受け取ったスナップショットを Redis に書き込みます。
// オブザーバーはキューのロック内で呼ばれるので Observe はブロックしません。
// 書き込み待ちの間に同じアイテムが更新された場合は最新のものだけを書き込みます。
type itemWriter struct {
	ctx    context.Context
	store  *Store
	jobID  string
	logger *zap.Logger

	mu      sync.Mutex
	pending map[int]intake.ItemSnapshot
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newItemWriter(ctx context.Context, store *Store, jobID string, logger *zap.Logger) *itemWriter {
	w := &itemWriter{
		ctx:     ctx,
		store:   store,
		jobID:   jobID,
		logger:  logger,
		pending: make(map[int]intake.ItemSnapshot),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Observe は intake.Observer として使います。
func (w *itemWriter) Observe(item intake.ItemSnapshot) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending[item.Index] = item
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.mu.Unlock()
}

// Close は残りを書き込んでから戻ります。
func (w *itemWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.wake)
	w.mu.Unlock()
	<-w.done
}

func (w *itemWriter) loop() {
	defer close(w.done)
	for range w.wake {
		w.flush()
	}
	w.flush()
}

func (w *itemWriter) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]intake.ItemSnapshot, 0, len(w.pending))
	for _, item := range w.pending {
		batch = append(batch, item)
	}
	w.pending = make(map[int]intake.ItemSnapshot)
	w.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Index < batch[j].Index })
	if err := w.store.UpdateItems(w.ctx, w.jobID, batch...); err != nil {
		w.logger.Warn("failed to update job items", zap.String("jobId", w.jobID), zap.Error(err))
	}
}
