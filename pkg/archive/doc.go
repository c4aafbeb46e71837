// Package archive stores audit events that age out of the retention window.
//
// S3Archiver implements audit.Archiver. The maintenance job calls
// audit.DBLogger.ArchiveAndCleanup, which deletes rows only after the upload
// succeeded. Each run produces one NDJSON object:
//
//	<prefix>/audit/2026/07/19/1041-1873.ndjson
//
// Any S3-compatible store works; set Endpoint and UsePathStyle for MinIO.
package archive
