package telemetry

import (
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventDatasetFetchStarted   EventType = "dataset.fetch.started"
	EventDatasetFetchCompleted EventType = "dataset.fetch.completed"
	EventDatasetFetchFailed    EventType = "dataset.fetch.failed"
	EventObjectUploaded        EventType = "object.uploaded"
	EventObjectDownloaded      EventType = "object.downloaded"
	EventObjectDeleted         EventType = "object.deleted"
	EventJobCreated            EventType = "job.created"
	EventJobStarted            EventType = "job.started"
	EventJobEpochCompleted     EventType = "job.epoch.completed"
	EventJobMetrics            EventType = "job.metrics"
	EventJobCompleted          EventType = "job.completed"
	EventJobFailed             EventType = "job.failed"
	EventJobStopped            EventType = "job.stopped"
	EventArtifactPacked        EventType = "artifact.packed"
	EventArtifactExtracted     EventType = "artifact.extracted"
	EventEndpointCreating      EventType = "endpoint.creating"
	EventEndpointInService     EventType = "endpoint.in_service"
	EventEndpointUpdating      EventType = "endpoint.updating"
	EventEndpointDeleted       EventType = "endpoint.deleted"
	EventInvocationCompleted   EventType = "invocation.completed"
	EventInvocationFailed      EventType = "invocation.failed"
)

// Event describes workflow telemetry that UIs and API clients can consume.
type Event struct {
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId,omitempty"`
	JobID      string         `json:"jobId,omitempty"`
	EndpointID string         `json:"endpointId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
