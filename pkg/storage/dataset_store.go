package storage

import (
	"database/sql"
	"time"
)

// DatasetFile records a verified file in the local dataset cache.
type DatasetFile struct {
	Dataset   string    `json:"dataset"`
	Split     string    `json:"split"`
	Role      string    `json:"role"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"sizeBytes"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// RecordDatasetFile inserts or replaces a dataset cache entry.
func (s *Store) RecordDatasetFile(f *DatasetFile) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if f.FetchedAt.IsZero() {
		f.FetchedAt = time.Now()
	}

	query := `
		INSERT INTO datasets (dataset, split, role, path, sha256, size_bytes, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset, split, role) DO UPDATE SET
			path = excluded.path,
			sha256 = excluded.sha256,
			size_bytes = excluded.size_bytes,
			fetched_at = excluded.fetched_at
	`
	_, err := s.db.Exec(query, f.Dataset, f.Split, f.Role, f.Path, f.SHA256, f.SizeBytes, f.FetchedAt)
	if err != nil {
		return err
	}

	clone := *f
	s.notify(newEvent(EventDatasetCached, f.Dataset, clone))

	return nil
}

// GetDatasetFile returns a cache entry, or nil if the file was never fetched.
func (s *Store) GetDatasetFile(dataset, split, role string) (*DatasetFile, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT dataset, split, role, path, sha256, size_bytes, fetched_at
		FROM datasets
		WHERE dataset = ? AND split = ? AND role = ?
	`
	var f DatasetFile
	err := s.db.QueryRow(query, dataset, split, role).Scan(
		&f.Dataset,
		&f.Split,
		&f.Role,
		&f.Path,
		&f.SHA256,
		&f.SizeBytes,
		&f.FetchedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListDatasetFiles returns all cache entries for a dataset.
func (s *Store) ListDatasetFiles(dataset string) ([]DatasetFile, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT dataset, split, role, path, sha256, size_bytes, fetched_at
		FROM datasets
		WHERE dataset = ?
		ORDER BY split ASC, role ASC
	`
	rows, err := s.db.Query(query, dataset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]DatasetFile, 0)
	for rows.Next() {
		var f DatasetFile
		if err := rows.Scan(&f.Dataset, &f.Split, &f.Role, &f.Path, &f.SHA256, &f.SizeBytes, &f.FetchedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	return files, rows.Err()
}
