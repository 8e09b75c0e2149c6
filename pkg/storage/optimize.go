package storage

import (
	"fmt"
)

// OptimizeDatabase adds indices and tunes database settings
func (s *Store) OptimizeDatabase() error {
	optimizations := []string{
		// Indices for common queries
		`CREATE INDEX IF NOT EXISTS idx_job_metrics_recorded
		 ON job_metrics(job_id, recorded_at)`,

		`CREATE INDEX IF NOT EXISTS idx_endpoints_status
		 ON endpoints(status)`,

		`CREATE INDEX IF NOT EXISTS idx_objects_updated
		 ON objects(bucket, updated_at DESC)`,

		// SQLite performance settings
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA cache_size = -64000`, // 64MB cache
		`PRAGMA temp_store = MEMORY`,
		`PRAGMA mmap_size = 268435456`, // 256MB memory-mapped I/O
	}

	for _, stmt := range optimizations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply optimization %q: %w", stmt, err)
		}
	}

	return nil
}

// VacuumDatabase performs maintenance to reclaim space
func (s *Store) VacuumDatabase() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// AnalyzeDatabase updates query planner statistics
func (s *Store) AnalyzeDatabase() error {
	_, err := s.db.Exec("ANALYZE")
	return err
}

// GetDatabaseStats returns database statistics
func (s *Store) GetDatabaseStats() (map[string]any, error) {
	stats := make(map[string]any)

	queries := map[string]string{
		"training_jobs": "SELECT COUNT(*) FROM training_jobs",
		"job_metrics":   "SELECT COUNT(*) FROM job_metrics",
		"endpoints":     "SELECT COUNT(*) FROM endpoints",
		"objects":       "SELECT COUNT(*) FROM objects",
		"datasets":      "SELECT COUNT(*) FROM datasets",
		"api_tokens":    "SELECT COUNT(*) FROM api_tokens",
	}

	for name, query := range queries {
		var count int
		if err := s.db.QueryRow(query).Scan(&count); err != nil {
			return nil, err
		}
		stats[name+"_count"] = count
	}

	var pageCount, pageSize int
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, err
	}

	stats["size_bytes"] = pageCount * pageSize
	stats["size_mb"] = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}
