package callsapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/yourusername/call-intake/internal/intake"
)

// errorFromResponse は非 2xx レスポンスから 1 つのメッセージを取り出します。
// JSON の detail（文字列・{msg} の配列）、message、またはプレーンテキストに対応します。
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	msg := ExtractMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if msg == "" {
		msg = "Request failed"
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &intake.AuthError{Status: resp.StatusCode, Message: msg}
	}
	return &intake.TransportError{Status: resp.StatusCode, Message: msg}
}

// ExtractMessage はエラーボディから人が読めるメッセージを取り出します。
func ExtractMessage(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return text
	}
	if msg := messageFrom(payload["detail"]); msg != "" {
		return msg
	}
	if msg := messageFrom(payload["message"]); msg != "" {
		return msg
	}
	if msg := messageFrom(payload["error"]); msg != "" {
		return msg
	}
	return text
}

func messageFrom(v any) string {
	switch d := v.(type) {
	case string:
		return strings.TrimSpace(d)
	case []any:
		parts := make([]string, 0, len(d))
		for _, e := range d {
			if m := messageFrom(e); m != "" {
				parts = append(parts, m)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		for _, key := range []string{"msg", "message", "detail"} {
			if m := messageFrom(d[key]); m != "" {
				return m
			}
		}
	}
	return ""
}
