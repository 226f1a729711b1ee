package api

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/call-intake/internal/auth"
	"github.com/yourusername/call-intake/internal/callsapi"
	"github.com/yourusername/call-intake/internal/intake"
	"github.com/yourusername/call-intake/internal/jobs"
)

// QueueHeader はクッキーを使わないクライアントがキューを指定するためのヘッダーです。
const QueueHeader = "X-Queue-ID"

// JobScheduler は解析バッチを非同期キューに投入するためのインターフェースです。
// Schedule はキューを確保してから投入し、実行中または確保済みなら intake.ErrBusy を返します。
type JobScheduler interface {
	Schedule(ctx context.Context, queueID, credential string) (string, error)
}

// JobLookup はジョブの実行記録を参照します。
type JobLookup interface {
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
}

// CallsService は解析サービスの通話 API です。
type CallsService interface {
	List(ctx context.Context, token string) ([]callsapi.Call, error)
	Get(ctx context.Context, token, id string) (*callsapi.Call, error)
	SyncCRM(ctx context.Context, token, id string) (*callsapi.Call, error)
}

// HandlerOptions は同期/非同期切り替えのための設定です。Scheduler が nil なら同期実行です。
type HandlerOptions struct {
	Scheduler JobScheduler
}

// AddFilesHandler は POST /api/intake/files のハンドラーを返します。
func AddFilesHandler(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で通話ファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		headers := form.File["files[]"]
		if len(headers) == 0 {
			headers = form.File["files"]
		}
		if len(headers) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "アップロードされたファイルが見つかりません。",
			})
			return
		}

		queueID, orch, err := resolveQueue(c, reg, true)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if orch.Busy() {
			respondWithError(c, intake.ErrBusy)
			return
		}

		candidates, staged, err := stageCandidates(reg, queueID, headers, orch.Queue().Remaining())
		if err != nil {
			discardStaged(reg, queueID, staged)
			respondWithError(c, err)
			return
		}

		res, err := orch.Queue().Admit(candidates)
		if err != nil {
			discardStaged(reg, queueID, staged)
			respondWithError(c, err)
			return
		}
		kept := make(map[string]bool, len(res.Admitted))
		admitted := make([]intake.ItemSnapshot, 0, len(res.Admitted))
		for _, idx := range res.Admitted {
			if f, ok := orch.Queue().File(idx); ok {
				kept[f.Ref] = true
			}
			if snap, ok := orch.Queue().Item(idx); ok {
				admitted = append(admitted, snap)
			}
		}
		var unused []string
		for _, ref := range staged {
			if !kept[ref] {
				unused = append(unused, ref)
			}
		}
		discardStaged(reg, queueID, unused)

		rejected := res.Rejected
		if rejected == nil {
			rejected = []*intake.ValidationError{}
		}
		c.JSON(http.StatusOK, gin.H{
			"queueId":  queueID,
			"admitted": admitted,
			"rejected": rejected,
			"dropped":  res.Dropped + len(headers) - len(candidates),
			"label":    orch.Queue().Label(),
			"items":    orch.Queue().Items(),
		})
	}
}

// stageCandidates は残り容量までの候補を検証し、通過したものだけ保存します。
// 拒否されるファイルは保存せず、Admit に拒否理由を判定させるためそのまま渡します。
func stageCandidates(reg *Registry, queueID string, headers []*multipart.FileHeader, remaining int) ([]intake.File, []string, error) {
	if len(headers) > remaining {
		headers = headers[:remaining]
	}
	validator := reg.Validator()
	candidates := make([]intake.File, 0, len(headers))
	var staged []string
	for _, h := range headers {
		candidate := intake.File{
			Name:         h.Filename,
			Size:         h.Size,
			DeclaredType: h.Header.Get("Content-Type"),
		}
		if verr := validator.Validate(candidate); verr != nil {
			candidates = append(candidates, candidate)
			continue
		}
		src, err := h.Open()
		if err != nil {
			return nil, staged, err
		}
		file, err := reg.Stager().Stage(queueID, h.Filename, candidate.DeclaredType, src)
		src.Close()
		if err != nil {
			return nil, staged, err
		}
		staged = append(staged, file.Ref)
		candidates = append(candidates, file)
	}
	return candidates, staged, nil
}

func discardStaged(reg *Registry, queueID string, refs []string) {
	for _, ref := range refs {
		_ = reg.Stager().Remove(queueID, ref)
	}
}

// QueueHandler は GET /api/intake/queue のハンドラーを返します。
func QueueHandler(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		queueID, orch, err := resolveQueue(c, reg, true)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, queuePayload(queueID, orch))
	}
}

// ResetHandler は DELETE /api/intake/queue のハンドラーを返します。
func ResetHandler(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		queueID, orch, err := resolveQueue(c, reg, false)
		if errors.Is(err, intake.ErrQueueNotFound) {
			c.Status(http.StatusNoContent)
			return
		}
		if err != nil {
			respondWithError(c, err)
			return
		}
		if err := reg.Reset(queueID); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, queuePayload(queueID, orch))
	}
}

// AnalyzeHandler は POST /api/intake/analyze のハンドラーを返します。
func AnalyzeHandler(reg *Registry, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := auth.Credential(c)
		if credential == "" {
			respondWithError(c, intake.ErrUnauthenticated)
			return
		}

		queueID, orch, err := resolveQueue(c, reg, true)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if opts.Scheduler != nil {
			if orch.Busy() {
				respondWithError(c, intake.ErrBusy)
				return
			}
			if orch.Queue().Len() == 0 {
				respondWithError(c, intake.ErrEmptyQueue)
				return
			}
			jobID, err := opts.Scheduler.Schedule(c.Request.Context(), queueID, credential)
			if err != nil {
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "queueId": queueID})
			return
		}

		// クライアントが切断してもバッチは最後まで進める
		ctx := context.WithoutCancel(c.Request.Context())
		result, err := reg.RunQueue(ctx, queueID, "", credential, nil)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if result.Unauthenticated {
			auth.Expire(c)
		}
		c.JSON(http.StatusOK, gin.H{
			"queueId": queueID,
			"result":  result,
			"label":   orch.Queue().Label(),
		})
	}
}

// JobStatusHandler は GET /api/jobs/:id のハンドラーを返します。
func JobStatusHandler(lookup JobLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := lookup.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// callView は一覧/詳細画面向けに正規化した通話です。
type callView struct {
	ID            string                 `json:"id"`
	FileName      string                 `json:"fileName"`
	Status        string                 `json:"status"`
	CreatedAt     *time.Time             `json:"createdAt,omitempty"`
	Transcript    string                 `json:"transcript,omitempty"`
	Analysis      *intake.AnalysisRecord `json:"analysis,omitempty"`
	AnalysisError string                 `json:"analysisError,omitempty"`
}

func viewOf(call *callsapi.Call, withTranscript bool) callView {
	view := callView{
		ID:        call.ID.String(),
		FileName:  call.FileName,
		Status:    call.Status,
		CreatedAt: call.CreatedAt,
	}
	if withTranscript {
		view.Transcript = call.Transcript
	}
	rec, err := call.Record()
	if err != nil {
		view.AnalysisError = err.Error()
	} else {
		view.Analysis = rec
	}
	return view
}

// ListCallsHandler は GET /api/calls のハンドラーを返します。
func ListCallsHandler(svc CallsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		calls, err := svc.List(c.Request.Context(), auth.Credential(c))
		if err != nil {
			respondWithError(c, err)
			return
		}
		views := make([]callView, 0, len(calls))
		for i := range calls {
			views = append(views, viewOf(&calls[i], false))
		}
		c.JSON(http.StatusOK, gin.H{"calls": views})
	}
}

// GetCallHandler は GET /api/calls/:id のハンドラーを返します。
func GetCallHandler(svc CallsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		call, err := svc.Get(c.Request.Context(), auth.Credential(c), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(call, true))
	}
}

// SyncCRMHandler は POST /api/calls/:id/sync-crm のハンドラーを返します。
func SyncCRMHandler(svc CallsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		call, err := svc.SyncCRM(c.Request.Context(), auth.Credential(c), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(call, false))
	}
}

// resolveQueue はヘッダーまたはセッションからキューを特定します。create が true なら無い場合に作成します。
func resolveQueue(c *gin.Context, reg *Registry, create bool) (string, *intake.Orchestrator, error) {
	queueID := strings.TrimSpace(c.GetHeader(QueueHeader))
	fromHeader := queueID != ""
	var session sessions.Session
	if !fromHeader {
		session = sessions.Default(c)
		queueID, _ = session.Get(auth.SessionKeyQueue).(string)
	}

	if queueID != "" {
		orch, err := reg.Get(queueID)
		if err == nil {
			return queueID, orch, nil
		}
		if !errors.Is(err, intake.ErrQueueNotFound) || fromHeader || !create {
			return "", nil, err
		}
	} else if !create {
		return "", nil, intake.ErrQueueNotFound
	}

	queueID, orch := reg.Create()
	if session != nil {
		session.Set(auth.SessionKeyQueue, queueID)
		if err := session.Save(); err != nil {
			return "", nil, err
		}
	}
	return queueID, orch, nil
}

func queuePayload(queueID string, orch *intake.Orchestrator) gin.H {
	q := orch.Queue()
	return gin.H{
		"queueId":   queueID,
		"items":     q.Items(),
		"label":     q.Label(),
		"remaining": q.Remaining(),
		"maxFiles":  q.MaxFiles(),
		"busy":      q.Busy(),
	}
}

func respondWithError(c *gin.Context, err error) {
	var (
		authErr      *intake.AuthError
		transportErr *intake.TransportError
		malformedErr *intake.MalformedResponseError
	)
	switch {
	case errors.As(err, &authErr):
		auth.Expire(c)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": "再度ログインしてください。",
		})
	case errors.Is(err, intake.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "QUEUE_BUSY",
			"message": "解析の実行中はキューを変更できません。",
		})
	case errors.Is(err, intake.ErrEmptyQueue):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "EMPTY_QUEUE",
			"message": err.Error(),
		})
	case errors.Is(err, intake.ErrQueueNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "QUEUE_NOT_FOUND",
			"message": "指定されたキューは存在しません。",
		})
	case errors.As(err, &transportErr):
		status := http.StatusBadGateway
		code := "UPSTREAM_ERROR"
		if transportErr.Status == http.StatusNotFound {
			status = http.StatusNotFound
			code = "CALL_NOT_FOUND"
		}
		c.JSON(status, gin.H{
			"code":    code,
			"message": transportErr.Error(),
		})
	case errors.As(err, &malformedErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "MALFORMED_RESPONSE",
			"message": "解析サービスの応答を解釈できませんでした。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
