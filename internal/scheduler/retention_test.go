package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"notifly/internal/types"
)

// mockRetentionDB serves pre-staged batches and records deletions.
type mockRetentionDB struct {
	batches    [][]*types.NotificationRecord
	listErr    error
	deletedIDs [][]string
	deleteErr  error

	deleteBeforeCalled bool
	deleteBeforeCount  int64
}

func (m *mockRetentionDB) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.NotificationRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if len(m.batches) == 0 {
		return nil, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return batch, nil
}

func (m *mockRetentionDB) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.deletedIDs = append(m.deletedIDs, ids)
	return int64(len(ids)), nil
}

func (m *mockRetentionDB) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.deleteBeforeCalled = true
	return m.deleteBeforeCount, nil
}

type mockTokenCleanupDB struct {
	deleted int64
	err     error
}

func (m *mockTokenCleanupDB) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.deleted, nil
}

// mockArchiveWriter captures uploaded batches.
type mockArchiveWriter struct {
	keys []string
	data [][]byte
	err  error
}

func (m *mockArchiveWriter) UploadArchive(ctx context.Context, key string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, key)
	m.data = append(m.data, data)
	return nil
}

func oldRecord(id string) *types.NotificationRecord {
	return &types.NotificationRecord{
		ID:      id,
		UserID:  "user_1",
		Channel: types.ChannelEmail,
		Status:  types.StatusDelivered,
	}
}

var testNow = time.Date(2026, 8, 15, 3, 0, 0, 0, time.UTC)

func TestRetentionRun_ArchivesThenDeletes(t *testing.T) {
	db := &mockRetentionDB{
		batches: [][]*types.NotificationRecord{
			{oldRecord("notif_1"), oldRecord("notif_2")},
		},
	}
	tokens := &mockTokenCleanupDB{deleted: 3}
	archiver := &mockArchiveWriter{}
	svc := NewRetentionService(db, tokens, archiver, slog.Default())

	result, err := svc.Run(context.Background(), testNow, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	if result.NotificationsArchived != 2 {
		t.Errorf("archived = %d, want 2", result.NotificationsArchived)
	}
	if result.NotificationsDeleted != 2 {
		t.Errorf("deleted = %d, want 2", result.NotificationsDeleted)
	}
	if result.TokensDeleted != 3 {
		t.Errorf("tokens deleted = %d, want 3", result.TokensDeleted)
	}

	if len(db.deletedIDs) != 1 {
		t.Fatalf("expected 1 delete batch, got %d", len(db.deletedIDs))
	}
	if db.deletedIDs[0][0] != "notif_1" || db.deletedIDs[0][1] != "notif_2" {
		t.Errorf("deleted exactly the archived IDs, got %v", db.deletedIDs[0])
	}
}

func TestRetentionRun_ArchiveKeyLayout(t *testing.T) {
	db := &mockRetentionDB{
		batches: [][]*types.NotificationRecord{{oldRecord("notif_1")}},
	}
	archiver := &mockArchiveWriter{}
	svc := NewRetentionService(db, &mockTokenCleanupDB{}, archiver, slog.Default())

	if _, err := svc.Run(context.Background(), testNow, 90*24*time.Hour); err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	if len(archiver.keys) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(archiver.keys))
	}
	// Cutoff is 2026-08-15 minus 90 days: 2026-05-17.
	if !strings.HasPrefix(archiver.keys[0], "notifications/2026/05/17/batch_") {
		t.Errorf("unexpected archive key: %s", archiver.keys[0])
	}
	if !strings.HasSuffix(archiver.keys[0], ".ndjson.zst") {
		t.Errorf("expected .ndjson.zst suffix, got %s", archiver.keys[0])
	}
}

func TestRetentionRun_ArchivePayloadIsNDJSON(t *testing.T) {
	db := &mockRetentionDB{
		batches: [][]*types.NotificationRecord{
			{oldRecord("notif_1"), oldRecord("notif_2")},
		},
	}
	archiver := &mockArchiveWriter{}
	svc := NewRetentionService(db, &mockTokenCleanupDB{}, archiver, slog.Default())

	if _, err := svc.Run(context.Background(), testNow, 90*24*time.Hour); err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(archiver.data[0])), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d", len(lines))
	}
	var decoded types.NotificationRecord
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if decoded.ID != "notif_1" {
		t.Errorf("expected notif_1, got %s", decoded.ID)
	}
}

func TestRetentionRun_UploadFailureKeepsRows(t *testing.T) {
	db := &mockRetentionDB{
		batches: [][]*types.NotificationRecord{{oldRecord("notif_1")}},
	}
	archiver := &mockArchiveWriter{err: fmt.Errorf("bucket unavailable")}
	svc := NewRetentionService(db, &mockTokenCleanupDB{}, archiver, slog.Default())

	_, err := svc.Run(context.Background(), testNow, 90*24*time.Hour)
	if err == nil {
		t.Fatal("expected error when upload fails, got nil")
	}

	if len(db.deletedIDs) != 0 {
		t.Errorf("rows must not be deleted when the upload failed, got %v", db.deletedIDs)
	}
}

func TestRetentionRun_NoArchiverFallsBackToDelete(t *testing.T) {
	db := &mockRetentionDB{deleteBeforeCount: 42}
	svc := NewRetentionService(db, &mockTokenCleanupDB{}, nil, slog.Default())

	result, err := svc.Run(context.Background(), testNow, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}

	if !db.deleteBeforeCalled {
		t.Error("expected DeleteBefore to be used without an archiver")
	}
	if result.NotificationsDeleted != 42 {
		t.Errorf("deleted = %d, want 42", result.NotificationsDeleted)
	}
	if result.NotificationsArchived != 0 {
		t.Errorf("archived = %d, want 0", result.NotificationsArchived)
	}
}

func TestRetentionRun_TokenCleanupFailurePropagates(t *testing.T) {
	db := &mockRetentionDB{}
	tokens := &mockTokenCleanupDB{err: fmt.Errorf("connection reset")}
	svc := NewRetentionService(db, tokens, &mockArchiveWriter{}, slog.Default())

	_, err := svc.Run(context.Background(), testNow, 90*24*time.Hour)
	if err == nil {
		t.Fatal("expected token cleanup error to propagate, got nil")
	}
	if !strings.Contains(err.Error(), "unsubscribe tokens") {
		t.Errorf("unexpected error: %v", err)
	}
}

// mockS3Uploader captures PutObject calls.
type mockS3Uploader struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (m *mockS3Uploader) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchiveWriter_CompressesAndUploads(t *testing.T) {
	uploader := &mockS3Uploader{}
	writer, err := NewS3ArchiveWriter(uploader, "notifly-archive", slog.Default())
	if err != nil {
		t.Fatalf("NewS3ArchiveWriter returned error: %v", err)
	}

	payload := []byte(`{"id":"notif_1"}` + "\n")
	if err := writer.UploadArchive(context.Background(), "notifications/2026/05/17/batch_x.ndjson.zst", payload); err != nil {
		t.Fatalf("UploadArchive returned error: %v", err)
	}

	if len(uploader.inputs) != 1 {
		t.Fatalf("expected 1 PutObject call, got %d", len(uploader.inputs))
	}
	input := uploader.inputs[0]
	if *input.Bucket != "notifly-archive" {
		t.Errorf("bucket = %s", *input.Bucket)
	}
	if *input.Key != "notifications/2026/05/17/batch_x.ndjson.zst" {
		t.Errorf("key = %s", *input.Key)
	}

	// The uploaded body must round-trip through zstd back to the payload.
	var compressed bytes.Buffer
	if _, err := compressed.ReadFrom(input.Body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("creating decoder: %v", err)
	}
	defer decoder.Close()
	decompressed, err := decoder.DecodeAll(compressed.Bytes(), nil)
	if err != nil {
		t.Fatalf("decompressing body: %v", err)
	}
	if !bytes.Equal(decompressed, payload) {
		t.Errorf("round-trip mismatch: got %q", decompressed)
	}
}
