// Package jobs は解析バッチの非同期実行と実行記録の管理を提供します。
package jobs

import (
	"time"

	"github.com/yourusername/call-intake/internal/intake"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Summary はバッチ完了時の集計です。
type Summary struct {
	Analyzed        int  `json:"analyzed"`
	Failed          int  `json:"failed"`
	Skipped         int  `json:"skipped"`
	Unauthenticated bool `json:"unauthenticated,omitempty"`
}

// Record は解析ジョブの現在状態を表します。
type Record struct {
	JobID      string                `json:"jobId"`
	QueueID    string                `json:"queueId"`
	Status     Status                `json:"status"`
	Progress   ProgressInfo          `json:"progress"`
	Items      []intake.ItemSnapshot `json:"items"`
	NavigateTo string                `json:"navigateTo,omitempty"`
	Summary    *Summary              `json:"summary,omitempty"`
	Error      *ErrorInfo            `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
	ExpiresAt  time.Time             `json:"expiresAt"`
}

func (r *Record) terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// applyItem はアイテムのスナップショットを反映し、全体の進捗を再計算します。
func (r *Record) applyItem(item intake.ItemSnapshot) {
	if item.Index < 0 {
		return
	}
	for len(r.Items) <= item.Index {
		r.Items = append(r.Items, intake.ItemSnapshot{Index: len(r.Items), Status: intake.StatusQueued})
	}
	r.Items[item.Index] = item
	r.Progress.Percent = overallPercent(r.Items)
	r.Progress.Stage = "analyze"
	r.Progress.Message = item.FileName
}

// overallPercent は全アイテムの進捗の平均です。
func overallPercent(items []intake.ItemSnapshot) int {
	if len(items) == 0 {
		return 0
	}
	total := 0
	for _, it := range items {
		total += it.Progress
	}
	return total / len(items)
}
