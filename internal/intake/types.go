package intake

import (
	"context"
	"io"
)

// Status はキューアイテムの処理状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusAnalyzed  Status = "analyzed"
	StatusFailed    Status = "failed"
)

// Terminal は解析済み・失敗のいずれかであれば true を返します。
func (s Status) Terminal() bool {
	return s == StatusAnalyzed || s == StatusFailed
}

// File はキューに投入される候補ファイルです。Open で中身を読み出します。
type File struct {
	Name         string
	Size         int64
	DeclaredType string
	// Ref は呼び出し側が任意に使う識別子です（ステージング先の保存名など）。
	Ref  string
	Open func() (io.ReadCloser, error)
}

// ItemSnapshot はキューアイテムの読み取り専用コピーです。
type ItemSnapshot struct {
	Index    int             `json:"index"`
	FileName string          `json:"fileName"`
	Size     int64           `json:"size"`
	Status   Status          `json:"status"`
	Progress int             `json:"progress"`
	CallID   string          `json:"callId,omitempty"`
	Result   *AnalysisRecord `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Observer はアイテムの状態が変化するたびに呼び出されます。
// キューのロック内で呼ばれるため、キューのメソッドを呼び返してはいけません。
type Observer func(ItemSnapshot)

// Analysis はリモート解析サービスの 1 件分の成功結果です。
type Analysis struct {
	CallID string
	Record *AnalysisRecord
}

// Analyzer はファイルのアップロードと解析をまとめて 1 回のリクエストで行います。
type Analyzer interface {
	UploadAndAnalyze(ctx context.Context, credential string, file File) (*Analysis, error)
}

// AnalyzerFunc は関数を Analyzer として扱うためのアダプタです。
type AnalyzerFunc func(ctx context.Context, credential string, file File) (*Analysis, error)

func (f AnalyzerFunc) UploadAndAnalyze(ctx context.Context, credential string, file File) (*Analysis, error) {
	return f(ctx, credential, file)
}
