package objectstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		serverID  string
		sessionID string
		batchID   string
		want      string
	}{
		{
			name: "well-formed inputs", serverID: "srv-1", sessionID: "sess-1", batchID: "batch-1",
			want: "events/srv-1/2026-07-31/sess-1/batch-1.ndjson.gz",
		},
		{
			name: "path separators are stripped from server_id", serverID: "../../etc/passwd", sessionID: "sess-1", batchID: "batch-1",
			want: "events/etcpasswd/2026-07-31/sess-1/batch-1.ndjson.gz",
		},
		{
			name: "leading dots are stripped", serverID: "...hidden", sessionID: "sess-1", batchID: "batch-1",
			want: "events/hidden/2026-07-31/sess-1/batch-1.ndjson.gz",
		},
		{
			name: "empty server_id after sanitizing yields empty key", serverID: "../..", sessionID: "sess-1", batchID: "batch-1",
			want: "",
		},
		{
			name: "empty session_id after sanitizing yields empty key", serverID: "srv-1", sessionID: "..", batchID: "batch-1",
			want: "",
		},
		{
			name: "empty batch_id yields empty key", serverID: "srv-1", sessionID: "sess-1", batchID: "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.serverID, tt.sessionID, tt.batchID, at))
		})
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	a := Key("srv-1", "sess-1", "batch-1", at)
	b := Key("srv-1", "sess-1", "batch-1", at)
	assert.Equal(t, a, b)
}

func TestKeyUsesUTCDateBoundary(t *testing.T) {
	// Local wall-clock 23:30 at UTC-2 is already 01:30 the next day in UTC.
	loc := time.FixedZone("UTC-2", -2*60*60)
	at := time.Date(2026, 7, 31, 23, 30, 0, 0, loc)
	got := Key("srv-1", "sess-1", "batch-1", at)
	assert.Equal(t, "events/srv-1/2026-08-01/sess-1/batch-1.ndjson.gz", got)
}
