// Package objectstore sinks raw ingest batches to durable storage, behind
// a two-backend tagged union: a remote S3-compatible bucket, or a local
// filesystem directory for single-node deployments.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Store puts and gets gzipped NDJSON batch blobs by key.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// CleanupStats tallies one pass of a Cleaner's tree walk.
type CleanupStats struct {
	FilesExamined int64
	FilesDeleted  int64
	BytesDeleted  int64
	DirsRemoved   int64
}

// Cleaner is implemented by stores that can sweep their own tree for
// expired blobs by mtime. The retention sweeper expires blobs only through
// this interface; a store without it (the remote backend) is skipped.
type Cleaner interface {
	CleanupOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (CleanupStats, error)
}

// Pinger is implemented by stores that can cheaply verify the backing
// medium is reachable, backing the /ready handler's dependency check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Key derives the blob key for a batch, sanitizing server_id and
// session_id so neither can escape its path segment. An empty sanitized
// segment is a caller-side bad request, signaled by returning "".
func Key(serverID, sessionID, batchID string, at time.Time) string {
	s := sanitizeSegment(serverID)
	sess := sanitizeSegment(sessionID)
	if s == "" || sess == "" || batchID == "" {
		return ""
	}
	return fmt.Sprintf("events/%s/%s/%s/%s.ndjson.gz", s, at.UTC().Format("2006-01-02"), sess, batchID)
}

// sanitizeSegment strips path separators and leading dots from a
// caller-supplied path segment.
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "\\", "")
	s = strings.TrimLeft(s, ".")
	return s
}
