package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunResult はバッチ実行の最終状態です。
type RunResult struct {
	Items           []ItemSnapshot `json:"items"`
	NavigateTo      string         `json:"navigateTo,omitempty"`
	Analyzed        int            `json:"analyzed"`
	Failed          int            `json:"failed"`
	Skipped         int            `json:"skipped"`
	Unauthenticated bool           `json:"unauthenticated,omitempty"`
}

// Orchestrator はキューのアイテムをリモート解析サービスへ順に送ります。
type Orchestrator struct {
	queue        *Queue
	analyzer     Analyzer
	tickInterval time.Duration
	concurrency  int
	logger       *zap.Logger
}

// Option は Orchestrator の設定を変更します。
type Option func(*Orchestrator)

// WithTickInterval は擬似進捗の更新間隔を設定します。
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.tickInterval = d
	}
}

// WithConcurrency は同時アップロード数を設定します（既定は 1 = 逐次）。
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.concurrency = n
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator は Orchestrator を作成します。
func NewOrchestrator(queue *Queue, analyzer Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:        queue,
		analyzer:     analyzer,
		tickInterval: DefaultTickInterval,
		concurrency:  1,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return o
}

// Queue は対象のキューを返します。
func (o *Orchestrator) Queue() *Queue {
	return o.queue
}

// Busy はバッチ実行中であれば true を返します。
func (o *Orchestrator) Busy() bool {
	return o.queue.Busy()
}

type itemOutcome struct {
	analyzed bool
	authErr  bool
}

// Run はキューを投入順に処理します。
// 資格情報が無い場合は通信を行わずに ErrUnauthenticated を返します。
// 個々のアイテムの失敗はバッチを中断せず、そのアイテムを failed にして次へ進みます。
func (o *Orchestrator) Run(ctx context.Context, credential string, observers ...Observer) (*RunResult, error) {
	return o.run(ctx, "", credential, observers)
}

// RunReserved は Queue.Reserve(holder) で確保済みのキューを実行します。
// 実行に至らなかった場合も確保は解除されます。
func (o *Orchestrator) RunReserved(ctx context.Context, holder, credential string, observers ...Observer) (*RunResult, error) {
	defer o.queue.Release(holder)
	return o.run(ctx, holder, credential, observers)
}

func (o *Orchestrator) run(ctx context.Context, holder, credential string, observers []Observer) (*RunResult, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrUnauthenticated
	}

	pending, err := o.queue.beginAs(fanOut(observers), holder)
	if err != nil {
		return nil, err
	}
	defer o.queue.end()

	started := time.Now()
	o.logger.Info("analysis run started",
		zap.Int("pending", len(pending)),
		zap.Int("queued", o.queue.Len()),
		zap.Int("concurrency", o.concurrency),
	)

	outcomes := make([]itemOutcome, o.queue.Len())
	if o.concurrency == 1 {
		for _, idx := range pending {
			outcomes[idx] = o.process(ctx, credential, idx)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(o.concurrency)
		for _, idx := range pending {
			g.Go(func() error {
				outcomes[idx] = o.process(ctx, credential, idx)
				return nil
			})
		}
		_ = g.Wait()
	}

	result := &RunResult{
		Items:   o.queue.Items(),
		Skipped: o.queue.Len() - len(pending),
	}
	for _, idx := range pending {
		out := outcomes[idx]
		if out.analyzed {
			result.Analyzed++
			if result.NavigateTo == "" {
				result.NavigateTo = result.Items[idx].CallID
			}
		} else {
			result.Failed++
		}
		if out.authErr {
			result.Unauthenticated = true
		}
	}

	o.logger.Info("analysis run finished",
		zap.Int("analyzed", result.Analyzed),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.String("navigateTo", result.NavigateTo),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (o *Orchestrator) process(ctx context.Context, credential string, idx int) itemOutcome {
	file, err := o.queue.markUploading(idx)
	if err != nil {
		o.logger.Warn("skip item", zap.Int("index", idx), zap.Error(err))
		return itemOutcome{}
	}

	task := startProgress(o.tickInterval, func() bool {
		return o.queue.tick(idx)
	})
	analysis, err := o.analyzer.UploadAndAnalyze(ctx, credential, file)
	task.stop()

	if err == nil && (analysis == nil || analysis.Record == nil) {
		err = &MalformedResponseError{Err: errors.New("response has no analysis record")}
	}
	if err != nil {
		o.queue.markFailed(idx, itemMessage(err))
		o.logger.Warn("item failed",
			zap.Int("index", idx),
			zap.String("file", file.Name),
			zap.Error(err),
		)
		var authErr *AuthError
		return itemOutcome{authErr: errors.As(err, &authErr)}
	}

	o.queue.markAnalyzed(idx, analysis)
	o.logger.Info("item analyzed",
		zap.Int("index", idx),
		zap.String("file", file.Name),
		zap.String("callId", analysis.CallID),
	)
	return itemOutcome{analyzed: true}
}

func fanOut(observers []Observer) Observer {
	var active []Observer
	for _, obs := range observers {
		if obs != nil {
			active = append(active, obs)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(s ItemSnapshot) {
		for _, obs := range active {
			obs(s)
		}
	}
}
