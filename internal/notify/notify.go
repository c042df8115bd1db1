// Package notify publishes dataset-updated events to downstream consumers.
//
// Delivery is at-least-once. FIFO SNS topics deduplicate on the manifest
// pointer digest, so replaying a run for an already-published version
// collapses to one delivery there; other transports may see duplicates and
// consumers are expected to key on manifest_pointer.
package notify

import "context"

// TypeDatasetUpdated is the event type emitted after a successful publish.
const TypeDatasetUpdated = "DATASET_UPDATED"

// Event is the message sent after a version becomes current.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	DatasetID string `json:"dataset_id"`
	// ManifestPointer is the version manifest key relative to the configured
	// prefix, the stable handle consumers dereference.
	ManifestPointer string `json:"manifest_pointer"`
}

// NewDatasetUpdated builds the standard event payload.
func NewDatasetUpdated(datasetID, manifestPointer, timestamp string) Event {
	return Event{
		Type:            TypeDatasetUpdated,
		Timestamp:       timestamp,
		DatasetID:       datasetID,
		ManifestPointer: manifestPointer,
	}
}

// Bus delivers events over one transport.
type Bus interface {
	// Name labels the transport in logs and metrics.
	Name() string
	Publish(ctx context.Context, ev Event) error
}
