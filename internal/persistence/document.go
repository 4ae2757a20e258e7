package persistence

import (
	"maps"
	"time"

	"videoarchiver/internal/metrics"
	"videoarchiver/internal/queue"
)

// SchemaVersion is the current persisted layout. Version 1 documents carried
// items only; version 2 added per-item max_attempts and metric rollups.
const SchemaVersion = 2

// Document is the durable form of the engine state.
type Document struct {
	SchemaVersion int                       `json:"schema_version"`
	SavedAt       time.Time                 `json:"saved_at"`
	Items         []queue.Item              `json:"items"`
	Rollups       map[string]metrics.Rollup `json:"rollups,omitempty"`
	Totals        metrics.Rollup            `json:"totals"`
}

// Empty returns a document with no items at the current schema version.
func Empty() Document {
	return Document{SchemaVersion: SchemaVersion, Items: []queue.Item{}, Rollups: map[string]metrics.Rollup{}}
}

// NewDocument assembles a document from a queue snapshot and metric rollups.
func NewDocument(snap queue.Snapshot, rollups map[string]metrics.Rollup, totals metrics.Rollup, savedAt time.Time) Document {
	items := make([]queue.Item, len(snap.Items))
	for i, item := range snap.Items {
		items[i] = item.Clone()
	}
	return Document{
		SchemaVersion: SchemaVersion,
		SavedAt:       savedAt.UTC(),
		Items:         items,
		Rollups:       maps.Clone(rollups),
		Totals:        totals,
	}
}

// Snapshot returns the queue portion of the document.
func (d Document) Snapshot() queue.Snapshot {
	items := make([]queue.Item, len(d.Items))
	for i, item := range d.Items {
		items[i] = item.Clone()
	}
	return queue.Snapshot{Items: items}
}

// migrate upgrades an older document in place. Callers reject versions newer
// than SchemaVersion before calling.
func migrate(doc *Document) {
	if doc.SchemaVersion < 2 {
		maxAttempts := queue.DefaultLimits().MaxAttempts
		for i := range doc.Items {
			if doc.Items[i].MaxAttempts <= 0 {
				doc.Items[i].MaxAttempts = maxAttempts
			}
		}
	}
	if doc.Items == nil {
		doc.Items = []queue.Item{}
	}
	if doc.Rollups == nil {
		doc.Rollups = map[string]metrics.Rollup{}
	}
	doc.SchemaVersion = SchemaVersion
}
