package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetwatch/anticheat-ingest/internal/models"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
	"github.com/packetwatch/anticheat-ingest/internal/webhook"
)

// fakeFindingRepository records every RecordAggregated call for
// inspection, in the order Record made them.
type fakeFindingRepository struct {
	mu       sync.Mutex
	recorded []*models.Finding
}

func (f *fakeFindingRepository) RecordAggregated(ctx context.Context, groups []*models.Finding) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range groups {
		cp := *g
		f.recorded = append(f.recorded, &cp)
	}
	return len(groups), nil
}

func (f *fakeFindingRepository) Upsert(ctx context.Context, finding *models.Finding) error {
	_, err := f.RecordAggregated(ctx, []*models.Finding{finding})
	return err
}

func (f *fakeFindingRepository) ListForServer(ctx context.Context, serverID string, limit int) ([]*models.Finding, error) {
	return nil, nil
}

func (f *fakeFindingRepository) snapshot() []*models.Finding {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Finding, len(f.recorded))
	copy(out, f.recorded)
	return out
}

var _ repository.FindingRepository = (*fakeFindingRepository)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregatorRecordBucketsIntoCurrentMinuteWindow(t *testing.T) {
	findings := &fakeFindingRepository{}
	servers := newFakeServerRepository()
	agg := NewAggregator(findings, servers, webhook.NewEmitter(discardLogger()), discardLogger())

	before := repository.WindowStart(time.Now())
	err := agg.Record(context.Background(), "srv-1", []FindingInput{
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityHigh, Title: "fly detected"},
	})
	require.NoError(t, err)
	after := repository.WindowStart(time.Now())

	got := findings.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ServerID)
	assert.Equal(t, 1, got[0].Occurrences)
	assert.True(t, !got[0].WindowStartAt.Before(before) && !got[0].WindowStartAt.After(after),
		"window must be the minute floor of the time of recording")
	assert.Equal(t, time.Duration(0), got[0].WindowStartAt.Sub(got[0].WindowStartAt.Truncate(time.Minute)))
}

func TestAggregatorRecordGroupsByPlayerAndDetector(t *testing.T) {
	findings := &fakeFindingRepository{}
	servers := newFakeServerRepository()
	agg := NewAggregator(findings, servers, webhook.NewEmitter(discardLogger()), discardLogger())

	err := agg.Record(context.Background(), "srv-1", []FindingInput{
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityLow, Title: "low title"},
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityCritical, Title: "crit title", Description: "crit desc"},
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityMedium, Title: "med title"},
		{PlayerUUID: "p2", DetectorName: "ncp", Severity: models.SeverityLow, Title: "other player"},
	})
	require.NoError(t, err)

	got := findings.snapshot()
	require.Len(t, got, 2, "one group per (player, detector)")

	byPlayer := map[string]*models.Finding{}
	for _, g := range got {
		byPlayer[g.PlayerUUID] = g
	}

	p1 := byPlayer["p1"]
	require.NotNil(t, p1)
	assert.Equal(t, 3, p1.Occurrences, "group count is the sum of its entries")
	assert.Equal(t, models.SeverityCritical, p1.Severity)
	assert.Equal(t, "crit title", p1.Title, "the descriptive triple follows the max-severity entry")
	assert.Equal(t, "crit desc", p1.Description)

	p2 := byPlayer["p2"]
	require.NotNil(t, p2)
	assert.Equal(t, 1, p2.Occurrences)
}

func TestAggregatorRecordEqualSeverityTieKeepsLastEntry(t *testing.T) {
	findings := &fakeFindingRepository{}
	servers := newFakeServerRepository()
	agg := NewAggregator(findings, servers, webhook.NewEmitter(discardLogger()), discardLogger())

	err := agg.Record(context.Background(), "srv-1", []FindingInput{
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityHigh, Title: "first high"},
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityHigh, Title: "second high"},
	})
	require.NoError(t, err)

	got := findings.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Occurrences)
	assert.Equal(t, "second high", got[0].Title, "on an equal-severity tie the later entry's triple wins")
}

func TestAggregatorRecordDropsEntriesMissingPlayerDetectorOrTitle(t *testing.T) {
	findings := &fakeFindingRepository{}
	servers := newFakeServerRepository()
	agg := NewAggregator(findings, servers, webhook.NewEmitter(discardLogger()), discardLogger())

	err := agg.Record(context.Background(), "srv-1", []FindingInput{
		{DetectorName: "ncp", Severity: models.SeverityHigh, Title: "no player"},
		{PlayerUUID: "p1", Severity: models.SeverityHigh, Title: "no detector"},
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityHigh},
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityHigh, Title: "kept"},
	})
	require.NoError(t, err)

	got := findings.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Title)
}

func TestAggregatorRecordDefaultsMissingSeverityToInfo(t *testing.T) {
	findings := &fakeFindingRepository{}
	servers := newFakeServerRepository()
	agg := NewAggregator(findings, servers, webhook.NewEmitter(discardLogger()), discardLogger())

	require.NoError(t, agg.Record(context.Background(), "srv-1", []FindingInput{
		{PlayerUUID: "p1", DetectorName: "ncp", Title: "no severity given"},
	}))

	got := findings.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, models.SeverityInfo, got[0].Severity)
}

// waitForRequest blocks until the channel receives a decoded body or the
// timeout elapses, failing the test on timeout: Record's webhook notify
// runs in its own goroutine, off the request path.
func waitForRequest(t *testing.T, ch chan map[string]any) map[string]any {
	t.Helper()
	select {
	case body := <-ch:
		return body
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return nil
	}
}

func TestAggregatorNotifySkipsServersWithoutWebhook(t *testing.T) {
	received := make(chan map[string]any, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer ts.Close()

	findings := &fakeFindingRepository{}
	servers := newFakeServerRepository()
	_, err := servers.EnsureSeen(context.Background(), "srv-1", "hash")
	require.NoError(t, err)
	// Deliberately leave WebhookURL unset.

	agg := NewAggregator(findings, servers, webhook.NewEmitter(discardLogger()), discardLogger())
	require.NoError(t, agg.Record(context.Background(), "srv-1", []FindingInput{
		{PlayerUUID: "p1", DetectorName: "ncp", Severity: models.SeverityCritical, Title: "crit"},
	}))

	select {
	case <-received:
		t.Fatal("webhook fired for a server with no webhook configured")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAggregatorNotifyFiltersBySeverityAllowlist(t *testing.T) {
	received := make(chan map[string]any, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	findings := &fakeFindingRepository{}
	servers := newFakeServerRepository()
	_, err := servers.EnsureSeen(context.Background(), "srv-1", "hash")
	require.NoError(t, err)
	webhookURL := ts.URL
	require.NoError(t, servers.SetWebhook(context.Background(), "srv-1", &webhookURL, true, []string{"critical"}))

	agg := NewAggregator(findings, servers, webhook.NewEmitter(discardLogger()), discardLogger())
	require.NoError(t, agg.Record(context.Background(), "srv-1", []FindingInput{
		{PlayerUUID: "p1", DetectorName: "aim", Severity: models.SeverityLow, Title: "low sev"},
		{PlayerUUID: "p2", DetectorName: "fly", Severity: models.SeverityCritical, Title: "crit sev"},
	}))

	body := waitForRequest(t, received)
	finding, ok := body["finding"].(map[string]any)
	require.True(t, ok, "non-Discord URLs get the generic finding envelope")
	assert.Equal(t, "fly", finding["detector_name"])
	assert.Equal(t, "critical", finding["severity"])

	select {
	case extra := <-received:
		t.Fatalf("the filtered-out low finding still produced a webhook: %v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
