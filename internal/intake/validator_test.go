package intake

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func testFile(name string, size int64) File {
	return File{
		Name: name,
		Size: size,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("call transcript")), nil
		},
	}
}

func TestValidateAcceptedExtensions(t *testing.T) {
	for _, name := range []string{"a.mp3", "b.WAV", "c.m4a", "d.Mp4", "e.webm", "f.mov", "notes.txt", "archive.tar.mp3"} {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, Validate(testFile(name, 2*mib)))
		})
	}
}

func TestValidateRejectsUnsupportedExtension(t *testing.T) {
	tests := []string{"b.exe", "call.mp3.exe", "noext", "trailing.", "deck.pdf"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			verr := Validate(testFile(name, 1))
			require.NotNil(t, verr)
			assert.Equal(t, ReasonUnsupportedFormat, verr.Reason)
			assert.Equal(t, name, verr.FileName)
			assert.Contains(t, verr.Error(), name)
		})
	}
}

func TestValidateRejectsOversizedFiles(t *testing.T) {
	verr := Validate(testFile("big.wav", DefaultMaxBytes+1))
	require.NotNil(t, verr)
	assert.Equal(t, ReasonTooLarge, verr.Reason)
	assert.Equal(t, "big.wav exceeds 500MB.", verr.Message)

	assert.Nil(t, Validate(testFile("edge.wav", DefaultMaxBytes)))

	// 拡張子に関係なくサイズ超過は拒否される
	assert.NotNil(t, Validate(testFile("big.exe", DefaultMaxBytes+1)))
}

func TestValidatorCustomPolicy(t *testing.T) {
	v := Validator{MaxBytes: 10, Accepted: []string{".txt"}}
	assert.Nil(t, v.Validate(testFile("a.TXT", 10)))
	assert.NotNil(t, v.Validate(testFile("a.mp3", 1)))
	assert.NotNil(t, v.Validate(testFile("a.txt", 11)))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "mp3", Extension("Call.Final.MP3"))
	assert.Equal(t, "noext", Extension("noext"))
	assert.Equal(t, "", Extension("dot."))
}
