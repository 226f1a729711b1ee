// Package callsapi はリモートの通話解析サービスの HTTP クライアントです。
package callsapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/intake"
)

const (
	sniffLen        = 3072
	maxErrorBodyLen = 64 * 1024
)

// Client は解析サービスへのリクエストを行います。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient は baseURL（例: http://localhost:8000/api/v1）に対するクライアントを作成します。
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Upload はファイルを multipart で送信し、アップロードと解析を 1 回のリクエストで行います。
func (c *Client) Upload(ctx context.Context, token, fileName string, body io.Reader) (*Call, error) {
	if strings.TrimSpace(token) == "" {
		return nil, intake.ErrUnauthenticated
	}

	br := bufio.NewReaderSize(body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}
	contentType := mimetype.Detect(head).String()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFilePart(mw, fileName, contentType, br))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var call Call
	if err := c.do(req, token, &call); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	c.logger.Debug("call uploaded",
		zap.String("file", fileName),
		zap.String("contentType", contentType),
		zap.String("callId", call.ID.String()),
	)
	return &call, nil
}

func writeFilePart(mw *multipart.Writer, fileName, contentType string, r io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(fileName)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// SyncCRM は解析済みの通話を CRM へ同期します。冪等なので通信失敗時は 1 回だけ再試行します。
func (c *Client) SyncCRM(ctx context.Context, token, id string) (*Call, error) {
	var (
		call Call
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.callURL(id)+"/sync-crm", nil)
		if err != nil {
			return nil, err
		}
		err = c.do(req, token, &call)
		if err == nil || !retryable(err) {
			break
		}
		c.logger.Warn("crm sync failed, retrying", zap.String("callId", id), zap.Error(err))
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// List はダッシュボード用に通話一覧を取得します。
func (c *Client) List(ctx context.Context, token string) ([]Call, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/calls", nil)
	if err != nil {
		return nil, err
	}
	calls := []Call{}
	if err := c.do(req, token, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// Get は 1 件の通話詳細を取得します。
func (c *Client) Get(ctx context.Context, token, id string) (*Call, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.callURL(id), nil)
	if err != nil {
		return nil, err
	}
	var call Call
	if err := c.do(req, token, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login は認証サービスからアクセストークンを取得します。
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	payload, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var tok tokenResponse
	if err := c.do(req, "", &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", &intake.MalformedResponseError{Err: errors.New("access_token missing from login response")}
	}
	return tok.AccessToken, nil
}

func (c *Client) callURL(id string) string {
	return c.baseURL + "/calls/" + url.PathEscape(id)
}

func (c *Client) do(req *http.Request, token string, out any) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &intake.TransportError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &intake.MalformedResponseError{Err: err}
	}
	return nil
}

func retryable(err error) bool {
	var transportErr *intake.TransportError
	if !errors.As(err, &transportErr) {
		return false
	}
	return transportErr.Status == 0 || transportErr.Status >= http.StatusInternalServerError
}
