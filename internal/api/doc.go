// Package api implements the read-only HTTP API of the presence engine.
//
// This package provides:
//   - Device lookups and per-device history for the dashboard
//   - Paginated alert and sighting queries with status counts
//   - Health and metrics endpoints for monitoring
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// Nothing here mutates presence state. Device status only changes through
// the sighting processor and the missing sweep.
//
// Timestamps are stored in UTC and rendered in the site timezone.
package api
