package storage

import (
	"database/sql"
	"time"
)

// EndpointRecord is the persisted record of a model serving endpoint.
type EndpointRecord struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	ModelURI      string    `json:"modelUri"`
	Port          int       `json:"port"`
	InstanceType  string    `json:"instanceType"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CreateEndpoint inserts a new endpoint record.
func (s *Store) CreateEndpoint(ep *EndpointRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	now := time.Now()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	ep.UpdatedAt = now

	query := `
		INSERT INTO endpoints (name, status, model_uri, port, instance_type, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		ep.Name,
		ep.Status,
		ep.ModelURI,
		ep.Port,
		ep.InstanceType,
		ep.FailureReason,
		ep.CreatedAt,
		ep.UpdatedAt,
	)
	if err != nil {
		return err
	}

	clone := *ep
	s.notify(newEvent(EventEndpointCreated, ep.Name, clone))

	return nil
}

// UpdateEndpointStatus transitions an endpoint's status.
func (s *Store) UpdateEndpointStatus(name, status, failureReason string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	query := `
		UPDATE endpoints
		SET status = ?, failure_reason = ?, updated_at = ?
		WHERE name = ?
	`
	res, err := s.db.Exec(query, status, failureReason, time.Now(), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}

	ep, err := s.GetEndpoint(name)
	if err != nil {
		return err
	}
	if ep != nil {
		clone := *ep
		s.notify(newEvent(EventEndpointUpdated, ep.Name, clone))
	}

	return nil
}

// UpdateEndpointModel points an endpoint at a new model artifact.
func (s *Store) UpdateEndpointModel(name, modelURI string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	query := `
		UPDATE endpoints
		SET model_uri = ?, updated_at = ?
		WHERE name = ?
	`
	res, err := s.db.Exec(query, modelURI, time.Now(), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetEndpoint returns an endpoint by name, or nil if it does not exist.
func (s *Store) GetEndpoint(name string) (*EndpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT name, status, model_uri, port, instance_type, COALESCE(failure_reason, ''), created_at, updated_at
		FROM endpoints
		WHERE name = ?
	`
	var ep EndpointRecord
	err := s.db.QueryRow(query, name).Scan(
		&ep.Name,
		&ep.Status,
		&ep.ModelURI,
		&ep.Port,
		&ep.InstanceType,
		&ep.FailureReason,
		&ep.CreatedAt,
		&ep.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// ListEndpoints returns all endpoints ordered by creation time.
func (s *Store) ListEndpoints() ([]EndpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT name, status, model_uri, port, instance_type, COALESCE(failure_reason, ''), created_at, updated_at
		FROM endpoints
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	endpoints := make([]EndpointRecord, 0)
	for rows.Next() {
		var ep EndpointRecord
		if err := rows.Scan(
			&ep.Name,
			&ep.Status,
			&ep.ModelURI,
			&ep.Port,
			&ep.InstanceType,
			&ep.FailureReason,
			&ep.CreatedAt,
			&ep.UpdatedAt,
		); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, rows.Err()
}

// DeleteEndpoint removes an endpoint record.
func (s *Store) DeleteEndpoint(name string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.db.Exec(`DELETE FROM endpoints WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}

	s.notify(newEvent(EventEndpointDeleted, name, map[string]any{
		"name": name,
	}))
	return nil
}

// MaxEndpointPort returns the highest port currently assigned, or 0.
func (s *Store) MaxEndpointPort() (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	var port int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(port), 0) FROM endpoints`).Scan(&port)
	if err != nil {
		return 0, err
	}
	return port, nil
}
