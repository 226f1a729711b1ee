// Package intake は通話ファイルの受付キューと解析バッチの実行を提供します。
package intake

import (
	"fmt"
	"strings"
)

const (
	// DefaultMaxFiles はキューに保持できるファイル数の上限です。
	DefaultMaxFiles = 10
	// DefaultMaxBytes は単一ファイルの最大サイズ（500MiB）です。
	DefaultMaxBytes int64 = 500 * 1024 * 1024
)

// DefaultAccepted は受け付ける拡張子の一覧です。
var DefaultAccepted = []string{"mp3", "wav", "m4a", "mp4", "webm", "mov", "txt"}

const (
	ReasonUnsupportedFormat = "UNSUPPORTED_FORMAT"
	ReasonTooLarge          = "LIMIT_EXCEEDED"
)

// Validator はファイル形式とサイズのポリシーを保持します。
type Validator struct {
	MaxBytes int64
	Accepted []string
}

// NewValidator は既定ポリシーの Validator を返します。
func NewValidator() Validator {
	return Validator{MaxBytes: DefaultMaxBytes, Accepted: DefaultAccepted}
}

// Validate は既定ポリシーでファイルを検証します。
func Validate(f File) *ValidationError {
	return NewValidator().Validate(f)
}

// Validate は拡張子とサイズを検証し、問題が無ければ nil を返します。
func (v Validator) Validate(f File) *ValidationError {
	if !v.accepts(Extension(f.Name)) {
		return &ValidationError{
			FileName: f.Name,
			Reason:   ReasonUnsupportedFormat,
			Message:  fmt.Sprintf("Unsupported format for %s.", f.Name),
		}
	}
	maxBytes := v.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if f.Size > maxBytes {
		return &ValidationError{
			FileName: f.Name,
			Reason:   ReasonTooLarge,
			Message:  fmt.Sprintf("%s exceeds %s.", f.Name, humanSize(maxBytes)),
		}
	}
	return nil
}

func (v Validator) accepts(ext string) bool {
	accepted := v.Accepted
	if len(accepted) == 0 {
		accepted = DefaultAccepted
	}
	for _, a := range accepted {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

// Extension は最後の "." 以降を小文字で返します。"." を含まない場合は名前全体です。
func Extension(name string) string {
	idx := strings.LastIndex(name, ".")
	return strings.ToLower(name[idx+1:])
}

func humanSize(n int64) string {
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%dMB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}
