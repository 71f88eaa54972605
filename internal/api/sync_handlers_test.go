package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"partsync/internal/model"
	"partsync/internal/pkg/dedup"
	"partsync/internal/syncjob"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type mockEngine struct {
	mu         sync.Mutex
	startFunc  func(req syncjob.Request) (string, error)
	getFunc    func(ctx context.Context, id string) (syncjob.Snapshot, error)
	listFunc   func() []syncjob.Snapshot
	pauseFunc  func(id string) (syncjob.Snapshot, error)
	resumeFunc func(id string) (syncjob.Snapshot, error)
	cancelFunc func(id string) (syncjob.Snapshot, error)
	waitFunc   func(ctx context.Context, id string) (syncjob.Snapshot, error)

	startCalls  int
	cancelCalls int
	lastRequest syncjob.Request
}

func (m *mockEngine) StartSync(req syncjob.Request) (string, error) {
	m.mu.Lock()
	m.startCalls++
	m.lastRequest = req
	m.mu.Unlock()
	if m.startFunc == nil {
		return "job-1", nil
	}
	return m.startFunc(req)
}

func (m *mockEngine) Get(ctx context.Context, id string) (syncjob.Snapshot, error) {
	if m.getFunc == nil {
		return syncjob.Snapshot{}, syncjob.ErrJobNotFound
	}
	return m.getFunc(ctx, id)
}

func (m *mockEngine) List() []syncjob.Snapshot {
	if m.listFunc == nil {
		return []syncjob.Snapshot{}
	}
	return m.listFunc()
}

func (m *mockEngine) Pause(id string) (syncjob.Snapshot, error) {
	return m.pauseFunc(id)
}

func (m *mockEngine) Resume(id string) (syncjob.Snapshot, error) {
	return m.resumeFunc(id)
}

func (m *mockEngine) Cancel(id string) (syncjob.Snapshot, error) {
	m.mu.Lock()
	m.cancelCalls++
	m.mu.Unlock()
	if m.cancelFunc == nil {
		return syncjob.Snapshot{SyncID: id, Status: syncjob.StatusCancelled}, nil
	}
	return m.cancelFunc(id)
}

func (m *mockEngine) Wait(ctx context.Context, id string) (syncjob.Snapshot, error) {
	return m.waitFunc(ctx, id)
}

func (m *mockEngine) cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}

type mockDeduper struct {
	dupFunc     func(ctx context.Context, fp string) (bool, string, error)
	calls       int
	bound       map[string]string
	deleteCalls int
}

func (m *mockDeduper) IsDuplicate(ctx context.Context, fp string) (bool, string, error) {
	m.calls++
	if m.dupFunc == nil {
		return false, "", nil
	}
	return m.dupFunc(ctx, fp)
}

func (m *mockDeduper) Bind(_ context.Context, fp, syncID string) error {
	if m.bound == nil {
		m.bound = make(map[string]string)
	}
	m.bound[fp] = syncID
	return nil
}

func (m *mockDeduper) Delete(_ context.Context, _ string) error {
	m.deleteCalls++
	return nil
}

func TestStartSync_Accepted(t *testing.T) {
	engine := &mockEngine{}
	deduper := &mockDeduper{}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, deduper)

	w := doRequest(t, s, http.MethodPost, "/sync", map[string]any{
		"productIds": []uint{3, 1, 2},
		"batchSize":  2,
		"force":      true,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	var data struct {
		SyncID string `json:"syncId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SyncID != "job-1" {
		t.Fatalf("expected syncId job-1, got %s", env.Data)
	}
	if !env.Success {
		t.Fatalf("expected success envelope")
	}
	req := engine.lastRequest
	if len(req.ProductIDs) != 3 || req.ProductIDs[0] != 3 || req.BatchSize != 2 || !req.Force {
		t.Fatalf("unexpected engine request: %+v", req)
	}
	if len(deduper.bound) != 1 {
		t.Fatalf("expected fingerprint bound to job, got %v", deduper.bound)
	}
}

func TestStartSync_EmptyBody(t *testing.T) {
	engine := &mockEngine{}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, nil)

	w := doRequest(t, s, http.MethodPost, "/sync", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(engine.lastRequest.ProductIDs) != 0 || engine.lastRequest.BatchSize != 0 {
		t.Fatalf("expected default request, got %+v", engine.lastRequest)
	}
}

func TestStartSync_Validation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"negative batch", map[string]any{"batchSize": -1}},
		{"zero id", map[string]any{"productIds": []uint{1, 0}}},
		{"bad json", map[string]any{"productIds": "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{}
			s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, nil)
			w := doRequest(t, s, http.MethodPost, "/sync", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if engine.startCalls != 0 {
				t.Fatalf("engine should not be called")
			}
		})
	}
}

func TestStartSync_Deduplicated(t *testing.T) {
	engine := &mockEngine{}
	deduper := &mockDeduper{dupFunc: func(ctx context.Context, fp string) (bool, string, error) {
		return true, "job-0", nil
	}}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, deduper)

	w := doRequest(t, s, http.MethodPost, "/sync", map[string]any{"productIds": []uint{1}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Status != "skipped_duplicate" || env.SyncID != "job-0" {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
	if engine.startCalls != 0 {
		t.Fatalf("engine should not be called for duplicates")
	}
}

func TestStartSync_DedupErrorStillStarts(t *testing.T) {
	engine := &mockEngine{}
	deduper := &mockDeduper{dupFunc: func(ctx context.Context, fp string) (bool, string, error) {
		return false, "", errors.New("redis down")
	}}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, deduper)

	w := doRequest(t, s, http.MethodPost, "/sync", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if engine.startCalls != 1 {
		t.Fatalf("expected engine start")
	}
}

func TestStartSync_QueueFullReleasesFingerprint(t *testing.T) {
	engine := &mockEngine{startFunc: func(req syncjob.Request) (string, error) {
		return "", syncjob.ErrQueueFull
	}}
	deduper := &mockDeduper{}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, deduper)

	w := doRequest(t, s, http.MethodPost, "/sync", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if deduper.deleteCalls != 1 {
		t.Fatalf("expected fingerprint released, got %d deletes", deduper.deleteCalls)
	}
}

func TestStartSync_WaitReturnsFinalSnapshot(t *testing.T) {
	engine := &mockEngine{waitFunc: func(ctx context.Context, id string) (syncjob.Snapshot, error) {
		return syncjob.Snapshot{SyncID: id, Status: syncjob.StatusCompleted, TotalProducts: 2, ProcessedProducts: 2, SuccessfulProducts: 2}, nil
	}}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, nil)

	w := doRequest(t, s, http.MethodPost, "/sync?wait=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap syncjob.Snapshot
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != syncjob.StatusCompleted || snap.SuccessfulProducts != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStartSync_WaitClientDisconnectCancels(t *testing.T) {
	waiting := make(chan struct{})
	engine := &mockEngine{waitFunc: func(ctx context.Context, id string) (syncjob.Snapshot, error) {
		close(waiting)
		<-ctx.Done()
		return syncjob.Snapshot{}, ctx.Err()
	}}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		doRequestCtx(t, ctx, s, http.MethodPost, "/sync?wait=1", nil)
	}()

	select {
	case <-waiting:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never started waiting")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not return after disconnect")
	}
	if engine.cancels() != 1 {
		t.Fatalf("expected job cancelled on disconnect, got %d", engine.cancels())
	}
}

func TestGetSync(t *testing.T) {
	engine := &mockEngine{getFunc: func(ctx context.Context, id string) (syncjob.Snapshot, error) {
		if id != "job-1" {
			return syncjob.Snapshot{}, syncjob.ErrJobNotFound
		}
		return syncjob.Snapshot{SyncID: id, Status: syncjob.StatusRunning, TotalProducts: 10, ProcessedProducts: 4}, nil
	}}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, nil)

	w := doRequest(t, s, http.MethodGet, "/sync/job-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap syncjob.Snapshot
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ProcessedProducts != 4 || snap.Status != syncjob.StatusRunning {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	w = doRequest(t, s, http.MethodGet, "/sync/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Success || env.Error == "" {
		t.Fatalf("expected error envelope, got %s", w.Body.String())
	}
}

func TestListSyncs(t *testing.T) {
	engine := &mockEngine{listFunc: func() []syncjob.Snapshot {
		return []syncjob.Snapshot{{SyncID: "b"}, {SyncID: "a"}}
	}}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, nil)

	w := doRequest(t, s, http.MethodGet, "/sync", nil)
	var list []syncjob.Snapshot
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].SyncID != "b" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestControlSync_StatusMapping(t *testing.T) {
	op := func(id string) (syncjob.Snapshot, error) {
		switch id {
		case "ok":
			return syncjob.Snapshot{SyncID: id, Status: syncjob.StatusPaused}, nil
		case "done":
			return syncjob.Snapshot{}, syncjob.ErrJobFinished
		case "bad":
			return syncjob.Snapshot{}, syncjob.ErrInvalidTransition
		case "boom":
			return syncjob.Snapshot{}, errors.New("boom")
		default:
			return syncjob.Snapshot{}, syncjob.ErrJobNotFound
		}
	}
	engine := &mockEngine{pauseFunc: op, resumeFunc: op, cancelFunc: op}
	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, nil)

	tests := []struct {
		id   string
		want int
	}{
		{"ok", http.StatusOK},
		{"done", http.StatusConflict},
		{"bad", http.StatusConflict},
		{"missing", http.StatusNotFound},
		{"boom", http.StatusInternalServerError},
	}
	for _, action := range []string{"pause", "resume", "cancel"} {
		for _, tt := range tests {
			w := doRequest(t, s, http.MethodPost, "/sync/"+tt.id+"/"+action, nil)
			if w.Code != tt.want {
				t.Fatalf("%s %s: expected %d, got %d", action, tt.id, tt.want, w.Code)
			}
		}
	}

	w := doRequest(t, s, http.MethodPost, "/sync/ok/pause", nil)
	var data struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &data); err != nil || data.Status != "paused" {
		t.Fatalf("expected status paused, got %s", w.Body.String())
	}
}

type staticProducts struct {
	products []model.Product
}

func (s staticProducts) ListEligibleProducts(ctx context.Context, staleBefore time.Time, limit int) ([]model.Product, error) {
	return s.products, nil
}

func (s staticProducts) ProductsByIDs(ctx context.Context, ids []uint) (map[uint]model.Product, error) {
	out := make(map[uint]model.Product)
	for _, p := range s.products {
		out[p.ID] = p
	}
	return out, nil
}

type nopHistory struct{}

func (nopHistory) CreateHistory(ctx context.Context, h *model.UpdateHistory) error { return nil }

type blockingSyncer struct {
	release chan struct{}
}

func (b blockingSyncer) SyncProduct(ctx context.Context, p model.Product, force bool) syncjob.ItemResult {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return syncjob.ItemResult{Outcome: syncjob.OutcomeSuccess}
}

// TestSyncFlow_RealEngine 使用真实引擎与 Redis 去重走完启动、重复拦截、暂停、恢复、完成的流程。
func TestSyncFlow_RealEngine(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	release := make(chan struct{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := staticProducts{products: []model.Product{{ID: 1, StockCode: "P1"}, {ID: 2, StockCode: "P2"}}}
	engine := syncjob.NewEngine(syncjob.NewStore(syncjob.StoreOptions{}), src, nopHistory{}, blockingSyncer{release: release}, logger, syncjob.Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Shutdown(time.Second)

	s := newTestServer(t, engine, &mockProducts{}, &mockScraper{}, dedup.NewDeduplicator(rdb, 10*time.Second))

	w := doRequest(t, s, http.MethodPost, "/sync", map[string]any{"productIds": []uint{1, 2}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var started struct {
		SyncID string `json:"syncId"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &started); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doRequest(t, s, http.MethodPost, "/sync", map[string]any{"productIds": []uint{1, 2}})
	if env := decodeEnvelope(t, w); env.Status != "skipped_duplicate" || env.SyncID != started.SyncID {
		t.Fatalf("expected duplicate of %s, got %s", started.SyncID, w.Body.String())
	}

	if w := doRequest(t, s, http.MethodPost, "/sync/"+started.SyncID+"/pause", nil); w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/sync/"+started.SyncID+"/pause", nil); w.Code != http.StatusConflict {
		t.Fatalf("second pause: expected 409, got %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/sync/"+started.SyncID+"/resume", nil); w.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", w.Code)
	}
	close(release)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	final, err := engine.Wait(waitCtx, started.SyncID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != syncjob.StatusCompleted || final.SuccessfulProducts != 2 {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}

	w = doRequest(t, s, http.MethodPost, "/sync/"+started.SyncID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel after completion: expected 409, got %d", w.Code)
	}
}
