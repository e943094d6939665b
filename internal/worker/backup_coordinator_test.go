package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockSnapshotStore struct {
	mu          sync.Mutex
	generateErr error
	pathErr     error
	generated   int
}

func (m *mockSnapshotStore) GenerateSnapshot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generated++
	return m.generateErr
}

func (m *mockSnapshotStore) GetSnapshotPath(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pathErr != nil {
		return "", m.pathErr
	}
	return "/tmp/snapshot.db", nil
}

func (m *mockSnapshotStore) generatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generated
}

type mockUploader struct {
	mu       sync.Mutex
	err      error
	paths    []string
	uploaded chan struct{}
}

func newMockUploader() *mockUploader {
	return &mockUploader{uploaded: make(chan struct{}, 16)}
}

func (m *mockUploader) Upload(ctx context.Context, filePath string) error {
	m.mu.Lock()
	m.paths = append(m.paths, filePath)
	err := m.err
	m.mu.Unlock()
	select {
	case m.uploaded <- struct{}{}:
	default:
	}
	return err
}

func (m *mockUploader) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paths)
}

func TestBackupCoordinator_BacksUpOnStartup(t *testing.T) {
	store := &mockSnapshotStore{}
	uploader := newMockUploader()
	c := NewBackupCoordinator(store, uploader, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, uploader.uploaded, "startup backup")
	cancel()
	waitFor(t, done, "coordinator shutdown")

	uploader.mu.Lock()
	path := uploader.paths[0]
	uploader.mu.Unlock()
	if path != "/tmp/snapshot.db" {
		t.Errorf("expected snapshot path passed to uploader, got %q", path)
	}
}

func TestBackupCoordinator_SkipsUploadWhenGenerationFails(t *testing.T) {
	store := &mockSnapshotStore{generateErr: errors.New("locked")}
	uploader := newMockUploader()
	c := NewBackupCoordinator(store, uploader, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	if store.generatedCount() == 0 {
		t.Fatal("expected snapshot generation attempted")
	}
	if uploader.uploadCount() != 0 {
		t.Error("upload must not run after a failed snapshot")
	}
}

func TestBackupCoordinator_SkipsUploadWhenPathLookupFails(t *testing.T) {
	store := &mockSnapshotStore{pathErr: errors.New("no snapshot")}
	uploader := newMockUploader()
	c := NewBackupCoordinator(store, uploader, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	if uploader.uploadCount() != 0 {
		t.Error("upload must not run without a snapshot path")
	}
}

func TestBackupCoordinator_ContinuesAfterUploadFailure(t *testing.T) {
	store := &mockSnapshotStore{}
	uploader := newMockUploader()
	uploader.err = errors.New("bucket unreachable")
	c := NewBackupCoordinator(store, uploader, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, uploader.uploaded, "first backup attempt")
	waitFor(t, uploader.uploaded, "retry on next interval")
	cancel()
	waitFor(t, done, "coordinator shutdown")
}
