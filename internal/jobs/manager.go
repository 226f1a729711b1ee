package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/config"
	"github.com/yourusername/call-intake/internal/intake"
)

const (
	taskTypeAnalyze = "intake:analyze"
	queueName       = "intake"
)

// Runner はキュー ID を指定して解析バッチを実行できるサービスが実装します。
// Reserve はジョブ投入時にキューを確保し、RunQueue は同じ holder でその確保を引き継ぎます。
type Runner interface {
	Reserve(queueID, holder string) error
	Release(queueID, holder string)
	RunQueue(ctx context.Context, queueID, holder, credential string, observer intake.Observer) (*intake.RunResult, error)
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	client      enqueuer
	closeClient func() error
	server      *asynq.Server
	mux         *asynq.ServeMux
	store       *Store
	runner      Runner
	credentials *credentialVault
	logger      *zap.Logger
}

// TaskPayload は解析ジョブのペイロードです。資格情報は含めません。
type TaskPayload struct {
	JobID   string `json:"jobId"`
	QueueID string `json:"queueId"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner Runner, store *Store, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	manager, err := newManager(client, runner, store, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	manager.closeClient = client.Close
	manager.server = server
	return manager, nil
}

func newManager(client enqueuer, runner Runner, store *Store, logger *zap.Logger) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := asynq.NewServeMux()
	manager := &Manager{
		client:      client,
		mux:         mux,
		store:       store,
		runner:      runner,
		credentials: newCredentialVault(),
		logger:      logger,
	}
	mux.HandleFunc(taskTypeAnalyze, manager.handleAnalyzeTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	if m.server == nil {
		return
	}
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	if m.closeClient != nil {
		return m.closeClient()
	}
	return nil
}

// Enqueue はキューの解析ジョブを投入し、ジョブ ID を返します。
// 資格情報はプロセス内にのみ保持され、ジョブの開始時に取り出されます。
func (m *Manager) Enqueue(ctx context.Context, queueID, credential string) (string, error) {
	if queueID == "" {
		return "", fmt.Errorf("queueID is required")
	}
	if credential == "" {
		return "", intake.ErrUnauthenticated
	}

	jobID := uuid.NewString()
	// 投入から実行までの間に別の実行や変更が入らないようキューを確保する
	if err := m.runner.Reserve(queueID, jobID); err != nil {
		return "", err
	}

	record := &Record{
		JobID:   jobID,
		QueueID: queueID,
		Status:  StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		m.runner.Release(queueID, jobID)
		return "", err
	}

	body, err := json.Marshal(&TaskPayload{JobID: jobID, QueueID: queueID})
	if err != nil {
		m.runner.Release(queueID, jobID)
		return "", err
	}

	m.credentials.put(jobID, credential)
	task := asynq.NewTask(taskTypeAnalyze, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.TaskID(jobID), asynq.MaxRetry(0)); err != nil {
		m.credentials.take(jobID)
		m.runner.Release(queueID, jobID)
		_ = m.failJob(ctx, jobID, "ENQUEUE_FAILED", err.Error())
		return "", err
	}
	m.logger.Info("analysis job enqueued", zap.String("jobId", jobID), zap.String("queueId", queueID))
	return jobID, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) handleAnalyzeTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	credential := m.credentials.take(payload.JobID)
	if credential == "" {
		m.runner.Release(payload.QueueID, payload.JobID)
		if record, err := m.store.Get(ctx, payload.JobID); err == nil && record != nil && record.terminal() {
			return nil
		}
		// 再起動などで資格情報が失われたジョブは再認証が必要
		return m.failJobWithError(ctx, payload.JobID, intake.ErrUnauthenticated)
	}

	if err := m.store.MarkRunning(ctx, payload.JobID); err != nil {
		m.runner.Release(payload.QueueID, payload.JobID)
		return err
	}

	writer := newItemWriter(ctx, m.store, payload.JobID, m.logger)
	result, err := m.runner.RunQueue(ctx, payload.QueueID, payload.JobID, credential, writer.Observe)
	writer.Close()
	if err != nil {
		return m.failJobWithError(ctx, payload.JobID, err)
	}
	if err := m.store.MarkDone(ctx, payload.JobID, result); err != nil {
		return err
	}
	m.logger.Info("analysis job finished",
		zap.String("jobId", payload.JobID),
		zap.Int("analyzed", result.Analyzed),
		zap.Int("failed", result.Failed),
	)
	return nil
}

func (m *Manager) failJob(ctx context.Context, jobID, code, message string) error {
	return m.store.MarkFailed(ctx, jobID, &ErrorInfo{
		Code:    code,
		Message: message,
	})
}

// failJobWithError は失敗を記録します。記録できた場合は再試行させません。
func (m *Manager) failJobWithError(ctx context.Context, jobID string, err error) error {
	code := ErrorCode(err)
	m.logger.Warn("analysis job failed", zap.String("jobId", jobID), zap.String("code", code), zap.Error(err))
	if storeErr := m.failJob(ctx, jobID, code, err.Error()); storeErr != nil {
		return storeErr
	}
	return nil
}

// ErrorCode は intake のエラーを API のエラーコードに変換します。
func ErrorCode(err error) string {
	var authErr *intake.AuthError
	switch {
	case errors.As(err, &authErr):
		return "UNAUTHENTICATED"
	case errors.Is(err, intake.ErrBusy):
		return "QUEUE_BUSY"
	case errors.Is(err, intake.ErrEmptyQueue):
		return "EMPTY_QUEUE"
	case errors.Is(err, intake.ErrQueueNotFound):
		return "QUEUE_NOT_FOUND"
	case errors.Is(err, context.Canceled):
		return "REQUEST_CANCELED"
	default:
		return "INTERNAL_ERROR"
	}
}

type credentialVault struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newCredentialVault() *credentialVault {
	return &credentialVault{tokens: make(map[string]string)}
}

func (v *credentialVault) put(jobID, token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[jobID] = token
}

// take は資格情報を取り出し、保持していたものを破棄します。
func (v *credentialVault) take(jobID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	token := v.tokens[jobID]
	delete(v.tokens, jobID)
	return token
}
