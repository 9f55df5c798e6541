// Package ingestion turns uploaded, encrypted documents into stored chunks.
//
// A Pipeline keeps every upload as a job in a durable queue
// (storage.JobRepository) and processes jobs on a bounded worker pool:
//
//	load job -> mark processing -> decrypt -> chunk -> insert -> mark completed
//
// The encrypted blob is removed from the job once it finishes, successfully
// or not. Storage failures are retried with exponential backoff; decryption
// and input failures are not. Failed jobs record only the error class.
//
// Delivery is at least once. Chunk IDs are derived from the user, the file
// and the chunk position, so processing the same job twice leaves a single
// copy of each chunk. After a restart, Resume re-schedules every job that
// had not finished.
package ingestion
