package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Project はリモートの解析ペイロードを AnalysisRecord に正規化します。
// 欠けている項目はすべて既定値になり、エラーになるのは JSON オブジェクトとして
// 解釈できない場合だけです。null は空の解析結果として扱います。
func Project(raw []byte) (*AnalysisRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &MalformedResponseError{Err: fmt.Errorf("empty payload")}
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}
	if decoded == nil {
		return ProjectValue(nil), nil
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &MalformedResponseError{Err: fmt.Errorf("payload is %s, not an object", jsonKind(decoded))}
	}
	return ProjectValue(obj), nil
}

// ProjectValue はデコード済みのペイロードを正規化します。
func ProjectValue(payload map[string]any) *AnalysisRecord {
	summary := object(payload, "executive_summary")
	scores := object(payload, "scores")
	followUp := object(payload, "follow_up")
	structured := object(payload, "structured_payload")

	rec := &AnalysisRecord{
		ExecutiveSummary: ExecutiveSummary{
			Overview: text(summary, "overview"),
			CallType: text(summary, "call_type"),
			Outcome:  text(summary, "outcome"),
		},
		Scores: Scores{
			Sentiment:          score(scores, "sentiment_score"),
			BuyingIntent:       score(scores, "buying_intent_score"),
			ClosingProbability: score(scores, "closing_probability"),
			Engagement:         score(scores, "engagement_score"),
		},
		KeyMoments: strs(payload, "key_moments"),
		PainPoints: strs(payload, "pain_points"),
		Objections: strs(payload, "objections"),
		FollowUp: FollowUp{
			Subject:      text(followUp, "subject"),
			DraftBody:    text(followUp, "draft_body"),
			DripSequence: dripSteps(followUp),
		},
		NextSteps:         nextSteps(payload),
		BANT:              stringMap(payload, "bant"),
		ConversationState: text(structured, "conversation_state"),
		SchemaVersion:     text(structured, "schema_version"),
	}
	if crm := object(structured, "crm_sync"); crm != nil {
		rec.CRMSync = &CRMSync{
			Status:   text(crm, "status"),
			Provider: text(crm, "provider"),
		}
	}
	return rec
}

func object(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func text(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func score(m map[string]any, key string) Score {
	if m == nil {
		return Score{}
	}
	switch v := m[key].(type) {
	case float64:
		return KnownScore(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Score{}
		}
		return KnownScore(f)
	default:
		return Score{}
	}
}

func strs(m map[string]any, key string) []string {
	out := []string{}
	if m == nil {
		return out
	}
	list, _ := m[key].([]any)
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func nextSteps(m map[string]any) []NextStep {
	out := []NextStep{}
	if m == nil {
		return out
	}
	list, _ := m["next_steps"].([]any)
	for _, v := range list {
		step, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, NextStep{
			Description: text(step, "description"),
			Owner:       text(step, "owner"),
			Status:      text(step, "status"),
		})
	}
	return out
}

func dripSteps(m map[string]any) []DripStep {
	out := []DripStep{}
	if m == nil {
		return out
	}
	list, _ := m["drip_sequence"].([]any)
	for _, v := range list {
		step, ok := v.(map[string]any)
		if !ok {
			continue
		}
		day := 0
		if d, ok := step["day"].(float64); ok {
			day = int(d)
		}
		out = append(out, DripStep{
			Day:     day,
			Goal:    text(step, "goal"),
			Message: text(step, "message"),
		})
	}
	return out
}

func stringMap(m map[string]any, key string) map[string]string {
	out := map[string]string{}
	src := object(m, key)
	for k := range src {
		if s := text(src, k); s != "" {
			out[k] = s
		}
	}
	return out
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "an array"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
