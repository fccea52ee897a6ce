// Package evidence persists the externally durable manifest written for
// every job regardless of outcome, plus the per-job log file layout.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Manifest is the audit record for one job's admission decision and final
// outcome.
//
// The schema is designed for backward-compatible extension (additive fields).
type Manifest struct {
	JobID        string     `json:"job_id"`
	JobType      string     `json:"job_type"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	FailedChecks []string   `json:"failed_checks,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	StateReason  string     `json:"state_reason,omitempty"`
}

// Store persists manifests under an artifacts root directory.
//
// Directory layout:
//
//	<root>/<job_id>/manifest.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) ManifestPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "manifest.json")
}

func (s *Store) StdoutPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stdout.log")
}

func (s *Store) StderrPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "stderr.log")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("artifacts root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write persists a manifest atomically (temp file + rename). The manifest
// for a job is overwritten as its lifecycle progresses; the final write
// reflects the terminal outcome.
func (s *Store) Write(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	jobID := strings.TrimSpace(m.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "manifest.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tmpName, s.ManifestPath(jobID)); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Read loads the manifest for a job.
func (s *Store) Read(jobID string) (*Manifest, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.ManifestPath(jobID))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest.json: %w", err)
	}
	return &m, nil
}

// List returns every manifest under the root, newest first.
func (s *Store) List() ([]Manifest, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifacts root: %w", err)
	}

	out := make([]Manifest, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.Read(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *m)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Remove deletes a job's artifact directory (manifest and logs).
func (s *Store) Remove(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return os.RemoveAll(s.JobDir(jobID))
}
