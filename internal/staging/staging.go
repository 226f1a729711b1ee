// Package staging はアップロードされた通話ファイルをキューごとの作業ディレクトリに保存します。
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/call-intake/internal/intake"
)

const manifestFilename = "manifest.json"

// Manifest はキューに保存されたファイルの一覧です。
type Manifest struct {
	QueueID   string       `json:"queueId"`
	Files     []StagedFile `json:"files"`
	CreatedAt time.Time    `json:"createdAt"`
}

// StagedFile は保存済みファイルのメタデータを表します。
type StagedFile struct {
	StoredName   string `json:"storedName"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	DeclaredType string `json:"declaredType,omitempty"`
	DetectedType string `json:"detectedType"`
	// Outcome は最後に確定した解析結果です。未実行なら nil です。
	Outcome *intake.Outcome `json:"outcome,omitempty"`
}

// Stager はキューごとの作業ディレクトリを管理します。
type Stager struct {
	root string
	mu   sync.Mutex
}

// New は root 配下に作業ディレクトリを作成する Stager を返します。
func New(root string) *Stager {
	return &Stager{root: root}
}

type workspace struct {
	queueID string
	dir     string
	inDir   string
}

func (w workspace) manifestPath() string {
	return filepath.Join(w.dir, manifestFilename)
}

func (s *Stager) workspace(queueID string) (workspace, error) {
	if _, err := uuid.Parse(queueID); err != nil {
		return workspace{}, fmt.Errorf("invalid queue id %q", queueID)
	}
	dir := filepath.Join(s.root, queueID)
	return workspace{queueID: queueID, dir: dir, inDir: filepath.Join(dir, "in")}, nil
}

// Stage は r の内容を保存し、保存先を読み出す intake.File を返します。
func (s *Stager) Stage(queueID, name, declaredType string, r io.Reader) (intake.File, error) {
	ws, err := s.workspace(queueID)
	if err != nil {
		return intake.File{}, err
	}
	if err := os.MkdirAll(ws.inDir, 0o750); err != nil {
		return intake.File{}, fmt.Errorf("failed to create workspace: %w", err)
	}

	storedName := uuid.NewString() + storedExt(name)
	path := filepath.Join(ws.inDir, storedName)
	size, err := writeFile(path, r)
	if err != nil {
		_ = os.Remove(path)
		return intake.File{}, err
	}

	detected := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		detected = mt.String()
	}

	entry := StagedFile{
		StoredName:   storedName,
		OriginalName: name,
		Size:         size,
		DeclaredType: declaredType,
		DetectedType: detected,
	}
	if err := s.updateManifest(ws, func(m *Manifest) {
		m.Files = append(m.Files, entry)
	}); err != nil {
		_ = os.Remove(path)
		return intake.File{}, err
	}
	return fileFor(ws, entry), nil
}

// Remove は保存済みファイルを 1 件削除します。
func (s *Stager) Remove(queueID, storedName string) error {
	ws, err := s.workspace(queueID)
	if err != nil {
		return err
	}
	if storedName != filepath.Base(storedName) {
		return fmt.Errorf("invalid stored name %q", storedName)
	}
	if err := os.Remove(filepath.Join(ws.inDir, storedName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.updateManifest(ws, func(m *Manifest) {
		kept := m.Files[:0]
		for _, f := range m.Files {
			if f.StoredName != storedName {
				kept = append(kept, f)
			}
		}
		m.Files = kept
	})
}

// Restore はマニフェストから保存済みファイルと確定済みの結果を投入順に復元します。
func (s *Stager) Restore(queueID string) ([]intake.File, []*intake.Outcome, error) {
	ws, err := s.workspace(queueID)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := loadManifest(ws)
	if err != nil {
		return nil, nil, err
	}
	files := make([]intake.File, 0, len(manifest.Files))
	outcomes := make([]*intake.Outcome, 0, len(manifest.Files))
	for _, entry := range manifest.Files {
		files = append(files, fileFor(ws, entry))
		outcomes = append(outcomes, entry.Outcome)
	}
	return files, outcomes, nil
}

// RecordOutcome は storedName の解析結果をマニフェストに書き込みます。
// ファイルが既に削除されている場合は何もしません。
func (s *Stager) RecordOutcome(queueID, storedName string, outcome intake.Outcome) error {
	ws, err := s.workspace(queueID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(ws.manifestPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return s.updateManifest(ws, func(m *Manifest) {
		for i := range m.Files {
			if m.Files[i].StoredName == storedName {
				o := outcome
				m.Files[i].Outcome = &o
				return
			}
		}
	})
}

// Manifest は現在のマニフェストを返します。
func (s *Stager) Manifest(queueID string) (*Manifest, error) {
	ws, err := s.workspace(queueID)
	if err != nil {
		return nil, err
	}
	return loadManifest(ws)
}

// Discard は作業ディレクトリごと削除します。
func (s *Stager) Discard(queueID string) error {
	ws, err := s.workspace(queueID)
	if err != nil {
		return err
	}
	return os.RemoveAll(ws.dir)
}

func (s *Stager) updateManifest(ws workspace, mutate func(*Manifest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := loadManifest(ws)
	if errors.Is(err, os.ErrNotExist) {
		manifest = &Manifest{QueueID: ws.queueID, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return err
	}
	mutate(manifest)
	return writeManifest(ws, manifest)
}

func fileFor(ws workspace, entry StagedFile) intake.File {
	path := filepath.Join(ws.inDir, entry.StoredName)
	return intake.File{
		Name:         entry.OriginalName,
		Size:         entry.Size,
		DeclaredType: entry.DeclaredType,
		Ref:          entry.StoredName,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

func writeFile(path string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("failed to create staged file: %w", err)
	}
	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write staged file: %w", err)
	}
	return n, nil
}

// storedExt は保存名に付ける拡張子です。元の名前はマニフェストにのみ残します。
func storedExt(name string) string {
	ext := intake.Extension(name)
	if ext == "" || ext == strings.ToLower(name) || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return "." + ext
}

func writeManifest(ws workspace, manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	file, err := os.OpenFile(ws.manifestPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

func loadManifest(ws workspace) (*Manifest, error) {
	data, err := os.ReadFile(ws.manifestPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
