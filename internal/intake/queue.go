package intake

import (
	"errors"
	"fmt"
	"sync"
)

// AdmissionResult は Admit の結果です。
type AdmissionResult struct {
	Admitted []int              `json:"admitted"`
	Rejected []*ValidationError `json:"rejected,omitempty"`
	Dropped  int                `json:"dropped"`
}

// Outcome は以前の実行で確定したアイテムの結果です。再起動後の復元に使います。
type Outcome struct {
	Status Status          `json:"status"`
	CallID string          `json:"callId,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result *AnalysisRecord `json:"result,omitempty"`
}

type queueItem struct {
	file     File
	progress int
	status   Status
	result   *AnalysisRecord
	callID   string
	errMsg   string
}

// Queue は投入済みファイルを投入順に保持します。
type Queue struct {
	mu        sync.Mutex
	items     []*queueItem
	maxFiles  int
	validator Validator
	busy      bool
	// reservedBy は Reserve したジョブの識別子です。実行開始で空に戻ります。
	reservedBy string
	observer   Observer
}

// NewQueue は上限数と検証ポリシーを指定して Queue を作成します。
func NewQueue(maxFiles int, validator Validator) *Queue {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Queue{
		maxFiles:  maxFiles,
		validator: validator,
	}
}

// Admit は候補ファイルを検証し、有効なものをキューへ追加します。
// 残り容量を超えた候補は検証されず、エラーにもならずに捨てられます。
func (q *Queue) Admit(files []File) (AdmissionResult, error) {
	return q.Restore(files, nil)
}

// Restore は Admit と同じ規則で追加し、outcomes[i] が解析済みまたは失敗であれば
// その状態を引き継ぎます。解析済みのアイテムは次の実行でスキップされます。
func (q *Queue) Restore(files []File, outcomes []*Outcome) (AdmissionResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res AdmissionResult
	if q.busy {
		return res, ErrBusy
	}

	remaining := q.maxFiles - len(q.items)
	if remaining < 0 {
		remaining = 0
	}
	if len(files) > remaining {
		res.Dropped = len(files) - remaining
		files = files[:remaining]
	}

	for i, f := range files {
		if verr := q.validator.Validate(f); verr != nil {
			res.Rejected = append(res.Rejected, verr)
			continue
		}
		it := &queueItem{file: f, status: StatusQueued}
		if i < len(outcomes) && outcomes[i] != nil {
			restoreOutcome(it, outcomes[i])
		}
		q.items = append(q.items, it)
		res.Admitted = append(res.Admitted, len(q.items)-1)
	}
	return res, nil
}

func restoreOutcome(it *queueItem, o *Outcome) {
	switch {
	case o.Status == StatusAnalyzed && o.CallID != "":
		it.status = StatusAnalyzed
		it.callID = o.CallID
		it.result = o.Result
		if it.result == nil {
			it.result = ProjectValue(nil)
		}
	case o.Status == StatusFailed:
		it.status = StatusFailed
		it.errMsg = o.Error
	default:
		return
	}
	it.progress = 100
}

// Reset はすべてのアイテムを削除します。実行中は ErrBusy を返し、何も変更しません。
func (q *Queue) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy {
		return ErrBusy
	}
	q.items = nil
	return nil
}

// Items は全アイテムのスナップショットを投入順で返します。
func (q *Queue) Items() []ItemSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ItemSnapshot, len(q.items))
	for i := range q.items {
		out[i] = q.snapshotLocked(i)
	}
	return out
}

// Item は指定位置のスナップショットを返します。
func (q *Queue) Item(index int) (ItemSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return ItemSnapshot{}, false
	}
	return q.snapshotLocked(index), true
}

// File は指定位置に投入されたファイルを返します。
func (q *Queue) File(index int) (File, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return File{}, false
	}
	return q.items[index].file, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remaining は追加で受け付けられるファイル数です。
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.maxFiles - len(q.items); n > 0 {
		return n
	}
	return 0
}

func (q *Queue) MaxFiles() int {
	return q.maxFiles
}

// Label は "n/MAX files queued" 形式の表示用ラベルです。
func (q *Queue) Label() string {
	return fmt.Sprintf("%d/%d files queued", q.Len(), q.maxFiles)
}

// Busy は解析バッチの実行中であれば true を返します。
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Reserve は非同期実行の投入時にキューを確保します。確保中は Busy が true になり、
// 追加・リセット・別の実行はすべて ErrBusy です。holder は実行開始時に照合されます。
func (q *Queue) Reserve(holder string) error {
	if holder == "" {
		return errors.New("reservation holder is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy {
		return ErrBusy
	}
	if len(q.items) == 0 {
		return ErrEmptyQueue
	}
	q.busy = true
	q.reservedBy = holder
	return nil
}

// Release は実行されなかった確保を解除します。holder が一致しない場合は何もしません。
func (q *Queue) Release(holder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if holder == "" || q.reservedBy != holder {
		return
	}
	q.busy = false
	q.reservedBy = ""
}

// begin はバッチ実行を開始し、処理対象の位置を投入順で返します。
// 前回失敗したアイテムは queued に戻して再試行対象にし、解析済みはスキップします。
func (q *Queue) begin(observer Observer) ([]int, error) {
	return q.beginAs(observer, "")
}

// beginAs は holder が確保済みであればその確保を引き継いで開始します。
func (q *Queue) beginAs(observer Observer, holder string) ([]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy && (holder == "" || q.reservedBy != holder) {
		return nil, ErrBusy
	}
	if len(q.items) == 0 {
		q.busy = false
		q.reservedBy = ""
		return nil, ErrEmptyQueue
	}
	q.busy = true
	q.reservedBy = ""
	q.observer = observer

	pending := make([]int, 0, len(q.items))
	for i, it := range q.items {
		if it.status == StatusAnalyzed {
			continue
		}
		if it.status == StatusFailed {
			it.status = StatusQueued
			it.progress = 0
			it.errMsg = ""
			q.notifyLocked(i)
		}
		pending = append(pending, i)
	}
	return pending, nil
}

func (q *Queue) end() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
	q.observer = nil
}

func (q *Queue) markUploading(index int) (File, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[index]
	if it.status != StatusQueued {
		return File{}, fmt.Errorf("item %d: cannot start upload from %s", index, it.status)
	}
	it.status = StatusUploading
	it.progress = progressDispatched
	q.notifyLocked(index)
	return it.file, nil
}

// tick は uploading 中のアイテムの進捗を進めます。終端状態なら false を返します。
func (q *Queue) tick(index int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[index]
	if it.status != StatusUploading {
		return false
	}
	next := it.progress + progressStep
	if next > progressCap {
		next = progressCap
	}
	if next != it.progress {
		it.progress = next
		q.notifyLocked(index)
	}
	return true
}

func (q *Queue) markAnalyzed(index int, analysis *Analysis) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[index]
	if it.status != StatusUploading {
		return
	}
	it.status = StatusAnalyzed
	it.progress = 100
	it.result = analysis.Record
	it.callID = analysis.CallID
	it.errMsg = ""
	q.notifyLocked(index)
}

func (q *Queue) markFailed(index int, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[index]
	if it.status != StatusUploading {
		return
	}
	it.status = StatusFailed
	it.progress = 100
	it.result = nil
	it.errMsg = message
	q.notifyLocked(index)
}

func (q *Queue) notifyLocked(index int) {
	if q.observer != nil {
		q.observer(q.snapshotLocked(index))
	}
}

func (q *Queue) snapshotLocked(index int) ItemSnapshot {
	it := q.items[index]
	return ItemSnapshot{
		Index:    index,
		FileName: it.file.Name,
		Size:     it.file.Size,
		Status:   it.status,
		Progress: it.progress,
		CallID:   it.callID,
		Result:   it.result,
		Error:    it.errMsg,
	}
}
