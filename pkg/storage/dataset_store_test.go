package storage

import (
	"testing"
	"time"
)

func TestDatasetFileRoundTrip(t *testing.T) {
	store := newTestStore(t)

	f := &DatasetFile{
		Dataset:   "mnist",
		Split:     "train",
		Role:      "images",
		Path:      "/home/user/.kiln/datasets/mnist/train-images-idx3-ubyte.gz",
		SHA256:    "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
		SizeBytes: 9912422,
	}
	if err := store.RecordDatasetFile(f); err != nil {
		t.Fatalf("record dataset file: %v", err)
	}
	if f.FetchedAt.IsZero() {
		t.Fatal("expected fetched_at to be stamped")
	}

	got, err := store.GetDatasetFile("mnist", "train", "images")
	if err != nil {
		t.Fatalf("get dataset file: %v", err)
	}
	if got == nil || got.SHA256 != f.SHA256 {
		t.Fatalf("unexpected dataset file: %+v", got)
	}

	missing, err := store.GetDatasetFile("mnist", "train", "labels")
	if err != nil {
		t.Fatalf("get missing file: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing file, got %+v", missing)
	}
}

func TestDatasetFileUpsert(t *testing.T) {
	store := newTestStore(t)

	f := &DatasetFile{
		Dataset:   "mnist",
		Split:     "test",
		Role:      "labels",
		Path:      "/tmp/old-path.gz",
		SHA256:    "old",
		SizeBytes: 1,
		FetchedAt: time.Now().Add(-time.Hour),
	}
	if err := store.RecordDatasetFile(f); err != nil {
		t.Fatalf("record: %v", err)
	}

	f.Path = "/tmp/new-path.gz"
	f.SHA256 = "new"
	f.SizeBytes = 2
	f.FetchedAt = time.Now()
	if err := store.RecordDatasetFile(f); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	got, err := store.GetDatasetFile("mnist", "test", "labels")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Path != "/tmp/new-path.gz" || got.SHA256 != "new" || got.SizeBytes != 2 {
		t.Fatalf("expected upserted values, got %+v", got)
	}
}

func TestListDatasetFiles(t *testing.T) {
	store := newTestStore(t)

	entries := []DatasetFile{
		{Dataset: "mnist", Split: "train", Role: "images", Path: "a", SHA256: "1", SizeBytes: 1},
		{Dataset: "mnist", Split: "train", Role: "labels", Path: "b", SHA256: "2", SizeBytes: 1},
		{Dataset: "mnist", Split: "test", Role: "images", Path: "c", SHA256: "3", SizeBytes: 1},
		{Dataset: "mnist", Split: "test", Role: "labels", Path: "d", SHA256: "4", SizeBytes: 1},
		{Dataset: "cifar10", Split: "train", Role: "images", Path: "e", SHA256: "5", SizeBytes: 1},
	}
	for i := range entries {
		if err := store.RecordDatasetFile(&entries[i]); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	files, err := store.ListDatasetFiles("mnist")
	if err != nil {
		t.Fatalf("list mnist files: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("expected 4 mnist files, got %d", len(files))
	}
	// Ordered by split then role: test/images, test/labels, train/images, train/labels
	if files[0].Split != "test" || files[0].Role != "images" {
		t.Fatalf("unexpected ordering: %+v", files)
	}
}
