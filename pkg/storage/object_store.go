package storage

import (
	"database/sql"
	"time"
)

// ObjectRecord is the metadata row for an object in the local store.
// The object's bytes live on disk; this row carries size, etag, and timestamps.
type ObjectRecord struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	SizeBytes   int64     `json:"sizeBytes"`
	ETag        string    `json:"etag"`
	ContentType string    `json:"contentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PutObjectRecord inserts or replaces an object's metadata row.
func (s *Store) PutObjectRecord(rec *ObjectRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO objects (bucket, key, size_bytes, etag, content_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			etag = excluded.etag,
			content_type = excluded.content_type,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query,
		rec.Bucket,
		rec.Key,
		rec.SizeBytes,
		rec.ETag,
		rec.ContentType,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}

	clone := *rec
	s.notify(newEvent(EventObjectPut, rec.Bucket+"/"+rec.Key, clone))

	return nil
}

// GetObjectRecord returns an object's metadata, or nil if it does not exist.
func (s *Store) GetObjectRecord(bucket, key string) (*ObjectRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT bucket, key, size_bytes, etag, COALESCE(content_type, ''), created_at, updated_at
		FROM objects
		WHERE bucket = ? AND key = ?
	`
	var rec ObjectRecord
	err := s.db.QueryRow(query, bucket, key).Scan(
		&rec.Bucket,
		&rec.Key,
		&rec.SizeBytes,
		&rec.ETag,
		&rec.ContentType,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListObjectRecords returns metadata rows under a key prefix, ordered by key.
func (s *Store) ListObjectRecords(bucket, prefix string) ([]ObjectRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT bucket, key, size_bytes, etag, COALESCE(content_type, ''), created_at, updated_at
		FROM objects
		WHERE bucket = ? AND key LIKE ? ESCAPE '\'
		ORDER BY key ASC
	`
	rows, err := s.db.Query(query, bucket, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]ObjectRecord, 0)
	for rows.Next() {
		var rec ObjectRecord
		if err := rows.Scan(
			&rec.Bucket,
			&rec.Key,
			&rec.SizeBytes,
			&rec.ETag,
			&rec.ContentType,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DeleteObjectRecord removes an object's metadata row. Returns sql.ErrNoRows
// if the object does not exist.
func (s *Store) DeleteObjectRecord(bucket, key string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.db.Exec(`DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}

	s.notify(newEvent(EventObjectDeleted, bucket+"/"+key, map[string]any{
		"bucket": bucket,
		"key":    key,
	}))
	return nil
}

// BucketStats contains aggregate object counts and bytes for a bucket.
type BucketStats struct {
	Objects    int   `json:"objects"`
	TotalBytes int64 `json:"totalBytes"`
}

// GetBucketStats returns aggregate stats for a bucket.
func (s *Store) GetBucketStats(bucket string) (*BucketStats, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM objects
		WHERE bucket = ?
	`
	var stats BucketStats
	err := s.db.QueryRow(query, bucket).Scan(&stats.Objects, &stats.TotalBytes)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// escapeLikePrefix escapes LIKE metacharacters so prefixes containing
// underscores or percent signs match literally.
func escapeLikePrefix(prefix string) string {
	out := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, prefix[i])
	}
	return string(out)
}
