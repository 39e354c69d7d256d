// Package cleanup provides filesystem retention for project workdirs.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Policy controls what the sweeper removes.
type Policy struct {
	// UploadTTL removes uploaded attachments and their metadata sidecars
	// once they are older than this. Zero disables upload pruning.
	UploadTTL time.Duration

	// ProjectTTL removes a whole project directory once nothing in it has
	// been touched for this long. Zero disables project pruning.
	ProjectTTL time.Duration

	// Interval between sweeps.
	Interval time.Duration
}

// Service periodically enforces workdir retention:
//   - Prunes stale uploads and their metadata sidecars
//   - Removes project directories that have been idle past their TTL
//
// All operations are idempotent; a sweep racing a live turn at worst
// removes files the turn has already consumed.
type Service struct {
	root   string
	policy Policy

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a sweeper over the workdir root.
func NewService(root string, policy Policy) *Service {
	if policy.Interval <= 0 {
		policy.Interval = time.Hour
	}
	return &Service{root: root, policy: policy}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"upload_ttl", s.policy.UploadTTL,
		"project_ttl", s.policy.ProjectTTL,
		"interval", s.policy.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep()

	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one retention pass. Exported so tests and ops tooling can
// trigger it directly.
func (s *Service) Sweep() {
	projects, err := os.ReadDir(s.root)
	if err != nil {
		slog.Warn("Cleanup sweep failed to list workdir", "error", err)
		return
	}

	now := time.Now()
	for _, entry := range projects {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())

		if s.policy.UploadTTL > 0 {
			s.pruneUploads(dir, now)
		}
		if s.policy.ProjectTTL > 0 {
			s.pruneProject(dir, now)
		}
	}
}

// pruneUploads removes attachments and sidecars older than the TTL.
func (s *Service) pruneUploads(projectDir string, now time.Time) {
	uploads := filepath.Join(projectDir, "uploads")
	removed := 0
	filepath.WalkDir(uploads, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) > s.policy.UploadTTL {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		slog.Info("Pruned stale uploads", "project_dir", projectDir, "removed", removed)
	}
}

// pruneProject removes the whole directory when nothing inside it has been
// modified within the TTL.
func (s *Service) pruneProject(projectDir string, now time.Time) {
	newest := time.Time{}
	filepath.WalkDir(projectDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if newest.IsZero() || now.Sub(newest) <= s.policy.ProjectTTL {
		return
	}
	if err := os.RemoveAll(projectDir); err != nil {
		slog.Warn("Failed to remove idle project dir", "dir", projectDir, "error", err)
		return
	}
	slog.Info("Removed idle project dir", "dir", projectDir)
}
