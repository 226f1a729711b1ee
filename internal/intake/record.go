package intake

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Score は任意項目の数値スコアです。値が無い場合は「未算出」であり 0 ではありません。
type Score struct {
	value float64
	known bool
}

// KnownScore は値を持つ Score を返します。
func KnownScore(v float64) Score {
	return Score{value: v, known: true}
}

func (s Score) Known() bool {
	return s.known
}

func (s Score) Value() (float64, bool) {
	return s.value, s.known
}

// String は値が無い場合 "unknown" を返します。
func (s Score) String() string {
	if !s.known {
		return "unknown"
	}
	return strconv.FormatFloat(s.value, 'f', -1, 64)
}

func (s Score) MarshalJSON() ([]byte, error) {
	if !s.known {
		return []byte("null"), nil
	}
	return json.Marshal(s.value)
}

func (s *Score) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Score{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = KnownScore(v)
	return nil
}

// ExecutiveSummary は通話の概要です。
type ExecutiveSummary struct {
	Overview string `json:"overview"`
	CallType string `json:"callType"`
	Outcome  string `json:"outcome"`
}

// Scores はスコア群です（sentiment/buying intent/engagement は 0-10、closing probability は 0-100）。
type Scores struct {
	Sentiment          Score `json:"sentiment"`
	BuyingIntent       Score `json:"buyingIntent"`
	ClosingProbability Score `json:"closingProbability"`
	Engagement         Score `json:"engagement"`
}

// DripStep はフォローアップのドリップ配信の 1 ステップです。
type DripStep struct {
	Day     int    `json:"day"`
	Goal    string `json:"goal,omitempty"`
	Message string `json:"message"`
}

// FollowUp はフォローアップメールの下書きです。
type FollowUp struct {
	Subject      string     `json:"subject"`
	DraftBody    string     `json:"draftBody"`
	DripSequence []DripStep `json:"dripSequence"`
}

// NextStep は通話から抽出された次のアクションです。
type NextStep struct {
	Description string `json:"description"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
}

// CRMSync は外部 CRM 同期の状態です。明示的な同期操作でのみ変化します。
type CRMSync struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// AnalysisRecord はリモートの解析ペイロードを正規化したものです。
type AnalysisRecord struct {
	ExecutiveSummary  ExecutiveSummary  `json:"executiveSummary"`
	Scores            Scores            `json:"scores"`
	KeyMoments        []string          `json:"keyMoments"`
	PainPoints        []string          `json:"painPoints"`
	Objections        []string          `json:"objections"`
	FollowUp          FollowUp          `json:"followUp"`
	NextSteps         []NextStep        `json:"nextSteps"`
	CRMSync           *CRMSync          `json:"crmSync,omitempty"`
	BANT              map[string]string `json:"bant"`
	ConversationState string            `json:"conversationState,omitempty"`
	SchemaVersion     string            `json:"schemaVersion,omitempty"`
}
