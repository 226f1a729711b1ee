package intake

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy は解析実行中にキューを変更・再実行しようとした場合に返されます。
	ErrBusy = errors.New("analysis run already in progress")
	// ErrEmptyQueue はキューが空の状態で解析を開始しようとした場合に返されます。
	ErrEmptyQueue = errors.New("add at least one file before analyzing")
	// ErrQueueNotFound は指定されたキュー ID が存在しない場合に返されます。
	ErrQueueNotFound = errors.New("queue not found")
	// ErrUnauthenticated は資格情報が無い場合の AuthError です。
	ErrUnauthenticated = &AuthError{Message: "authentication required"}
)

// ValidationError はキュー投入前に拒否されたファイルを表します。
type ValidationError struct {
	FileName string `json:"fileName"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// AuthError は資格情報の欠如・拒否を表します。呼び出し側は再認証が必要です。
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("unauthenticated (%d): %s", e.Status, e.Message)
	}
	return "unauthenticated: " + e.Message
}

// Is は errors.Is(err, ErrUnauthenticated) をすべての AuthError で成立させます。
func (e *AuthError) Is(target error) bool {
	_, ok := target.(*AuthError)
	return ok
}

// TransportError はアイテム単位のアップロード/解析呼び出しの失敗です。
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError はレスポンスが構造化データとして解釈できない場合のエラーです。
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	if e.Err == nil {
		return "malformed analysis response"
	}
	return "malformed analysis response: " + e.Err.Error()
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// itemMessage はアイテムに表示するエラーメッセージを取り出します。
func itemMessage(err error) string {
	if err == nil {
		return ""
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.Message != "" {
		return transportErr.Message
	}
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Message != "" {
		return authErr.Message
	}
	msg := err.Error()
	if msg == "" {
		return "Request failed"
	}
	return msg
}
