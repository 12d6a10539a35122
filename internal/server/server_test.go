package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pullci/internal/blockchain"
	"pullci/internal/core"
	"pullci/internal/export"
	"pullci/internal/metrics"
	"pullci/internal/security"
	"pullci/internal/storage"
	"pullci/internal/store"
	"pullci/internal/trigger"
)

const secret = "s3cret"

type fixture struct {
	srv     *httptest.Server
	ledger  *blockchain.Ledger
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := core.NewRegistry()
	reg.MustRegister("ok", core.HandlerFunc(func(context.Context, core.StepInput) (core.ExitInfo, error) {
		return core.ExitInfo{Output: "fine"}, nil
	}))
	reg.MustRegister("fail", core.HandlerFunc(func(context.Context, core.StepInput) (core.ExitInfo, error) {
		return core.ExitInfo{Code: 1, Message: "threshold not met"}, assert.AnError
	}))

	trig, err := core.NewTrigger([]core.EventKind{core.EventPullRequestOpened, core.EventPullRequestUpdated}, "")
	require.NoError(t, err)
	d := 10 * time.Minute
	p, err := core.NewPipeline("coverage", trig, []core.Step{
		core.NewStep("checkout", "ok", nil, &d),
		core.NewStep("coverage", "fail", nil, nil),
		core.NewStep("upload", "ok", nil, nil),
	})
	require.NoError(t, err)

	ledger, err := blockchain.OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	pub, priv, err := security.GenerateKeyPair()
	require.NoError(t, err)

	logs := storage.NewLogStorage(t.TempDir())
	m := metrics.NewCollector()
	l := trigger.NewListener(core.NewExecutor(reg, core.WithReporter(m), core.WithLogStore(logs)), []*core.Pipeline{p},
		trigger.WithObserver(m),
		trigger.WithSinks(&export.LedgerSink{Ledger: ledger, Priv: priv, Pub: pub, AgentID: "test"}))

	s := New(Options{Listener: l, Ledger: ledger, Metrics: m, Logs: logs, WebhookSecret: secret})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, ledger: ledger, metrics: m}
}

func (f *fixture) post(t *testing.T, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type dispatchResponse struct {
	Matched []string `json:"matched"`
	Runs    []struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Failed  string `json:"failed_step"`
		Message string `json:"message"`
	} `json:"runs"`
}

func TestPostEventRunsMatchingPipeline(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/events", []byte(`{"kind":"pull_request_opened","metadata":{"number":1}}`), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[dispatchResponse](t, resp)
	assert.Equal(t, []string{"coverage"}, body.Matched)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "failed", body.Runs[0].Status)
	assert.Equal(t, "coverage", body.Runs[0].Failed)
	assert.Equal(t, "threshold not met", body.Runs[0].Message)

	run := f.get(t, "/runs/"+body.Runs[0].ID)
	require.Equal(t, http.StatusOK, run.StatusCode)
	rec := decode[core.RunRecord](t, run)
	assert.Len(t, rec.Results, 2)
	assert.Equal(t, []string{"upload"}, rec.Skipped)

	// one block per executed step
	assert.Equal(t, 2, f.ledger.Len())
}

func TestPushEventIsNoContent(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/events", []byte(`{"kind":"push"}`), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestPostEventRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/events", []byte(`{"metadata":{}}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGitHubWebhookSignature(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"action":"synchronize","number":5,"pull_request":{"head":{"sha":"abc"}},"repository":{"full_name":"acme/widget"}}`)

	resp := f.post(t, "/webhooks/github", payload, map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-Hub-Signature-256": security.GitHubSignature("wrong", payload),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.post(t, "/webhooks/github", payload, map[string]string{"X-GitHub-Event": "pull_request"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.post(t, "/webhooks/github", payload, map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-Hub-Signature-256": security.GitHubSignature(secret, payload),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[dispatchResponse](t, resp)
	assert.Equal(t, []string{"coverage"}, body.Matched)
}

func TestGitHubPingIsIgnored(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"zen":"keep it simple"}`)
	resp := f.post(t, "/webhooks/github", payload, map[string]string{
		"X-GitHub-Event":      "ping",
		"X-Hub-Signature-256": security.GitHubSignature(secret, payload),
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestListPipelines(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/pipelines")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[[]pipelineView](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "coverage", list[0].Name)
	require.Len(t, list[0].Steps, 3)
	assert.Equal(t, "10m0s", list[0].Steps[0].Timeout)
	assert.Empty(t, list[0].Steps[1].Timeout)
}

func TestUnknownRunIsNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/runs/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLedgerVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/events", []byte(`{"kind":"pull_request_opened"}`), nil)

	resp := f.get(t, "/ledger/verify")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	blocks := f.ledger.Blocks()
	blocks[1].Status = "succeeded"
	require.NoError(t, f.ledger.Rewrite(blocks))

	resp = f.get(t, "/ledger/verify")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/events", []byte(`{"kind":"pull_request_opened"}`), nil)

	resp := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `pullci_runs_total{pipeline="coverage",status="failed"} 1`)
	assert.Contains(t, buf.String(), `pullci_events_total{kind="pull_request_opened",matched="true"} 1`)
}

func slowListener(t *testing.T, d time.Duration) *trigger.Listener {
	t.Helper()
	reg := core.NewRegistry()
	reg.MustRegister("slow", core.HandlerFunc(func(ctx context.Context, _ core.StepInput) (core.ExitInfo, error) {
		select {
		case <-time.After(d):
			return core.ExitInfo{Output: "done"}, nil
		case <-ctx.Done():
			return core.ExitInfo{}, ctx.Err()
		}
	}))
	p, err := core.NewPipeline("coverage", core.MustTrigger(nil, ""), []core.Step{
		core.NewStep("coverage", "slow", nil, nil),
	})
	require.NoError(t, err)
	return trigger.NewListener(core.NewExecutor(reg), []*core.Pipeline{p})
}

func postWithTimeout(srvURL string, timeout time.Duration) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(srvURL+"/events", "application/json", bytes.NewReader([]byte(`{"kind":"manual"}`)))
	if err == nil {
		resp.Body.Close()
	}
}

func waitForRun(t *testing.T, l *trigger.Listener) *core.RunRecord {
	t.Helper()
	var rec *core.RunRecord
	require.Eventually(t, func() bool {
		recs := l.Recent().List()
		if len(recs) == 0 {
			return false
		}
		rec = recs[0]
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return rec
}

func TestSyncRunOutlivesClientDisconnect(t *testing.T) {
	l := slowListener(t, 300*time.Millisecond)
	srv := httptest.NewServer(New(Options{Listener: l}).Routes())
	t.Cleanup(srv.Close)

	// The client gives up long before the step finishes.
	postWithTimeout(srv.URL, 50*time.Millisecond)

	rec := waitForRun(t, l)
	assert.Equal(t, core.StatusSucceeded, rec.Status)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, core.StatusSucceeded, rec.Results[0].Status)
}

func TestSyncRunStopsWithServerContext(t *testing.T) {
	l := slowListener(t, 10*time.Second)
	base, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(New(Options{Listener: l, BaseContext: base}).Routes())
	t.Cleanup(srv.Close)

	go postWithTimeout(srv.URL, 5*time.Second)
	time.Sleep(50 * time.Millisecond)
	cancel()

	rec := waitForRun(t, l)
	assert.Equal(t, core.StatusFailed, rec.Status)
	assert.Equal(t, "run cancelled", rec.Results[0].ExitInfo.Message)
}

func TestStepLogEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/events", []byte(`{"kind":"pull_request_opened"}`), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	d := decode[dispatchResponse](t, resp)
	require.Len(t, d.Runs, 1)
	id := d.Runs[0].ID

	resp = f.get(t, "/runs/"+id+"/steps/checkout/log")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "fine", string(body))

	// coverage produced no output, so it has no log file.
	resp = f.get(t, "/runs/"+id+"/steps/coverage/log")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.get(t, "/runs/nope/steps/checkout/log")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type fakeRuns struct {
	pipeline string
	limit    int
	rows     []store.RunSummary
}

func (f *fakeRuns) GetRun(context.Context, string) (*core.RunRecord, error) {
	return nil, store.ErrNotFound
}

func (f *fakeRuns) ListRuns(_ context.Context, pipeline string, limit int) ([]store.RunSummary, error) {
	f.pipeline, f.limit = pipeline, limit
	return f.rows, nil
}

func TestListRunsFromStore(t *testing.T) {
	l := slowListener(t, 0)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runs := &fakeRuns{rows: []store.RunSummary{{ID: "old-run", Pipeline: "coverage", Status: core.StatusSucceeded, StartedAt: started}}}
	srv := httptest.NewServer(New(Options{Listener: l, Runs: runs}).Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/runs?pipeline=coverage&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[[]runSummary](t, resp)
	require.Len(t, out, 1)
	assert.Equal(t, "old-run", out[0].ID)
	assert.Equal(t, "coverage", runs.pipeline)
	assert.Equal(t, 5, runs.limit)

	bad, err := http.Get(srv.URL + "/runs?limit=zero")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestListRunsFiltersRecentByPipeline(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/events", []byte(`{"kind":"pull_request_opened"}`), nil)

	resp := f.get(t, "/runs?pipeline=coverage")
	assert.Len(t, decode[[]runSummary](t, resp), 1)
	resp = f.get(t, "/runs?pipeline=other")
	assert.Empty(t, decode[[]runSummary](t, resp))
}
