// Package api は通話ファイルの受付キューと解析結果を扱う HTTP ハンドラーを提供します。
package api

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/intake"
	"github.com/yourusername/call-intake/internal/staging"
)

// Registry はキュー ID ごとの Orchestrator を保持します。
type Registry struct {
	mu        sync.Mutex
	queues    map[string]*intake.Orchestrator
	stager    *staging.Stager
	analyzer  intake.Analyzer
	maxFiles  int
	validator intake.Validator
	options   []intake.Option
	logger    *zap.Logger
}

// NewRegistry は Registry を作成します。
func NewRegistry(stager *staging.Stager, analyzer intake.Analyzer, maxFiles int, validator intake.Validator, logger *zap.Logger, opts ...intake.Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		queues:    make(map[string]*intake.Orchestrator),
		stager:    stager,
		analyzer:  analyzer,
		maxFiles:  maxFiles,
		validator: validator,
		options:   append([]intake.Option{intake.WithLogger(logger)}, opts...),
		logger:    logger,
	}
}

// Validator はキューと同じ検証ポリシーを返します。
func (r *Registry) Validator() intake.Validator {
	return r.validator
}

// Stager はファイルの保存先を返します。
func (r *Registry) Stager() *staging.Stager {
	return r.stager
}

// Create は新しいキューを作成し、その ID を返します。
func (r *Registry) Create() (string, *intake.Orchestrator) {
	id := uuid.NewString()
	orch := r.newOrchestrator()
	r.mu.Lock()
	r.queues[id] = orch
	r.mu.Unlock()
	return id, orch
}

// Get はキューを返します。メモリ上に無い場合は保存済みのファイルと結果から復元します。
// 復元中のディスク I/O はロックの外で行います。
func (r *Registry) Get(queueID string) (*intake.Orchestrator, error) {
	if _, err := uuid.Parse(queueID); err != nil {
		return nil, intake.ErrQueueNotFound
	}

	if orch, ok := r.lookup(queueID); ok {
		return orch, nil
	}

	files, outcomes, err := r.stager.Restore(queueID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, intake.ErrQueueNotFound
		}
		return nil, err
	}
	restored := r.newOrchestrator()
	res, err := restored.Queue().Restore(files, outcomes)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if orch, ok := r.queues[queueID]; ok {
		return orch, nil
	}
	r.logger.Info("queue restored from staging",
		zap.String("queueId", queueID),
		zap.Int("admitted", len(res.Admitted)),
		zap.Int("rejected", len(res.Rejected)),
	)
	r.queues[queueID] = restored
	return restored, nil
}

func (r *Registry) lookup(queueID string) (*intake.Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orch, ok := r.queues[queueID]
	return orch, ok
}

// Reset はキューを空にし、保存済みのファイルを削除します。実行中は intake.ErrBusy です。
func (r *Registry) Reset(queueID string) error {
	orch, err := r.Get(queueID)
	if err != nil {
		return err
	}
	if err := orch.Queue().Reset(); err != nil {
		return err
	}
	return r.stager.Discard(queueID)
}

// Reserve は非同期ジョブの投入時にキューを確保します。
func (r *Registry) Reserve(queueID, holder string) error {
	orch, err := r.Get(queueID)
	if err != nil {
		return err
	}
	return orch.Queue().Reserve(holder)
}

// Release は実行されなかったジョブの確保を解除します。
func (r *Registry) Release(queueID, holder string) {
	if orch, ok := r.lookup(queueID); ok {
		orch.Queue().Release(holder)
	}
}

// RunQueue は指定キューの解析バッチを実行し、確定した結果をマニフェストに残します。
// holder が空でなければ Reserve 済みの確保を引き継ぎます。
func (r *Registry) RunQueue(ctx context.Context, queueID, holder, credential string, observer intake.Observer) (*intake.RunResult, error) {
	orch, err := r.Get(queueID)
	if err != nil {
		return nil, err
	}

	recorder := r.newOutcomeRecorder(queueID, orch.Queue())
	defer recorder.Close()
	observers := []intake.Observer{recorder.Observe}
	if observer != nil {
		observers = append(observers, observer)
	}
	if holder == "" {
		return orch.Run(ctx, credential, observers...)
	}
	return orch.RunReserved(ctx, holder, credential, observers...)
}

func (r *Registry) newOrchestrator() *intake.Orchestrator {
	return intake.NewOrchestrator(intake.NewQueue(r.maxFiles, r.validator), r.analyzer, r.options...)
}

// outcomeRecorder は終端状態になったアイテムをマニフェストへ書き込みます。
// Observer はキューのロック内で呼ばれるため、書き込みは別のゴルーチンで行います。
type outcomeRecorder struct {
	refs []string
	ch   chan intake.ItemSnapshot
	done chan struct{}
}

func (r *Registry) newOutcomeRecorder(queueID string, q *intake.Queue) *outcomeRecorder {
	refs := make([]string, q.Len())
	for i := range refs {
		if f, ok := q.File(i); ok {
			refs[i] = f.Ref
		}
	}
	// 1 回の実行で各アイテムが終端状態になるのは 1 度だけなので、この容量で詰まらない
	rec := &outcomeRecorder{
		refs: refs,
		ch:   make(chan intake.ItemSnapshot, len(refs)),
		done: make(chan struct{}),
	}
	go func() {
		defer close(rec.done)
		for item := range rec.ch {
			outcome := intake.Outcome{
				Status: item.Status,
				CallID: item.CallID,
				Error:  item.Error,
				Result: item.Result,
			}
			if err := r.stager.RecordOutcome(queueID, rec.refs[item.Index], outcome); err != nil {
				r.logger.Warn("failed to record item outcome",
					zap.String("queueId", queueID),
					zap.Int("index", item.Index),
					zap.Error(err),
				)
			}
		}
	}()
	return rec
}

func (rec *outcomeRecorder) Observe(item intake.ItemSnapshot) {
	if !item.Status.Terminal() || item.Index >= len(rec.refs) || rec.refs[item.Index] == "" {
		return
	}
	select {
	case rec.ch <- item:
	default:
	}
}

// Close は書き込みが終わるまで待ちます。
func (rec *outcomeRecorder) Close() {
	close(rec.ch)
	<-rec.done
}
