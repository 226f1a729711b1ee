package callsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/yourusername/call-intake/internal/intake"
)

// CallID はサーバー側で採番された通話 ID です。JSON の数値・文字列どちらも受け付けます。
type CallID string

func (id CallID) String() string {
	return string(id)
}

func (id *CallID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = CallID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*id = CallID(n.String())
	return nil
}

// Call は解析サービスが返す通話レコードです。
type Call struct {
	ID         CallID          `json:"id"`
	FileName   string          `json:"file_name"`
	Status     string          `json:"status"`
	Transcript string          `json:"transcript,omitempty"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
}

// Record は analysis を正規化します。analysis が無い場合は空の結果です。
func (c *Call) Record() (*intake.AnalysisRecord, error) {
	if len(bytes.TrimSpace(c.Analysis)) == 0 {
		return intake.ProjectValue(nil), nil
	}
	return intake.Project(c.Analysis)
}

// Analyzer は Client を intake.Analyzer として使うためのアダプタです。
type Analyzer struct {
	client *Client
}

// NewAnalyzer は Analyzer を作成します。
func NewAnalyzer(client *Client) *Analyzer {
	return &Analyzer{client: client}
}

// UploadAndAnalyze はファイルを開いて送信し、結果を正規化して返します。
func (a *Analyzer) UploadAndAnalyze(ctx context.Context, credential string, file intake.File) (*intake.Analysis, error) {
	if file.Open == nil {
		return nil, errors.New(file.Name + ": file is not readable")
	}
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	call, err := a.client.Upload(ctx, credential, file.Name, rc)
	if err != nil {
		return nil, err
	}
	if call.ID == "" {
		return nil, &intake.MalformedResponseError{Err: errors.New("response has no call id")}
	}
	rec, err := call.Record()
	if err != nil {
		return nil, err
	}
	return &intake.Analysis{CallID: call.ID.String(), Record: rec}, nil
}
