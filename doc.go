// Package sensorhub ingests IoT sensor telemetry over MQTT, normalizes
// the tolerant payload formats real devices emit, persists canonical
// readings, and fans them out to WebSocket observers in real time.
//
// # Architecture
//
// Readings flow through a single pipeline:
//
//	┌─────────────────────────────────────┐
//	│           Transport                 │  Embedded MQTT broker or
//	│   (embedded broker / external)      │  external broker client
//	└─────────────────────────────────────┘
//	           ↓ raw payloads
//	┌─────────────────────────────────────┐
//	│           Normalizer                │  Field aliases, timestamp
//	│    (tolerant payload parsing)       │  formats, range validation
//	└─────────────────────────────────────┘
//	           ↓ canonical readings
//	┌─────────────────────────────────────┐
//	│      Storage + Latest Cache         │  Postgres (or in-memory),
//	│                                     │  optional Redis cache
//	└─────────────────────────────────────┘
//	           ↓ stored readings
//	┌─────────────────────────────────────┐
//	│         WebSocket Hub               │  Snapshot on connect,
//	│   (fan-out to live observers)       │  live broadcast, history
//	└─────────────────────────────────────┘
//
// The query engine sits beside the pipeline and serves paginated
// listings, per-topic aggregates, time ranges, and retention cleanup.
//
// # Packages
//
//   - transport: MQTT ingress, embedded (mochi-mqtt) and external (paho)
//   - normalize: tolerant payload normalization into canonical readings
//   - reading: the canonical reading type and validation rules
//   - storage: the Store interface, with postgres and memstore backends
//   - cache: best-effort Redis cache of the latest reading per topic
//   - query: read-side query engine and the retention janitor
//   - fanout: WebSocket hub for snapshots, live data, and history
//   - ingest: the pipeline wiring transport to storage and fan-out
//   - config, metric, health, errors: service plumbing
package sensorhub
