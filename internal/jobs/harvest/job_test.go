package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/geolite"
	"harvester/internal/imperva"
	"harvester/internal/metrics"
)

type stubFetcher struct {
	mu      sync.Mutex
	result  *imperva.FetchResult
	err     error
	queries []imperva.Query
}

func (s *stubFetcher) FetchAll(_ context.Context, q imperva.Query) (*imperva.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type recordingSink struct {
	name    string
	err     error
	batches []domain.RunBatch
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(_ context.Context, batch domain.RunBatch) error {
	r.batches = append(r.batches, batch)
	return r.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Imperva: config.ImpervaConfig{AccountID: "42", PageSize: 100},
		Storage: config.StorageConfig{
			DataDir:    filepath.Join(root, "data"),
			ReportsDir: filepath.Join(root, "reports"),
		},
	}
}

func fixedClock(start time.Time) func() time.Time {
	return func() time.Time { return start }
}

func sampleIncidents() []domain.Incident {
	return []domain.Incident{
		{
			DominantAttackIP:     &domain.AttackIP{IP: "1.2.3.4", Reputation: []string{"bot"}},
			DominantAttackedHost: &domain.AttackedHost{Value: "a.example"},
		},
		{
			DominantAttackIP: &domain.AttackIP{IP: "5.6.7.8"},
		},
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRunEmptyFetchWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	rec := metrics.NewRecorder()
	job := New(cfg, &stubFetcher{result: &imperva.FetchResult{Pages: 1}}, nil, WithMetrics(rec))

	outcome, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !outcome.Empty {
		t.Fatal("expected empty outcome")
	}

	for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.ReportsDir} {
		if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s to be absent, stat err = %v", dir, err)
		}
	}

	out := httptest.NewRecorder()
	rec.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(out.Body.String(), `harvester_runs_total{result="empty"} 1`) {
		t.Fatalf("empty run not recorded:\n%s", out.Body.String())
	}
}

func TestRunMergesAndAdvancesWatermark(t *testing.T) {
	cfg := testConfig(t)
	start := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	fetcher := &stubFetcher{result: &imperva.FetchResult{Incidents: sampleIncidents(), Pages: 1}}
	sink := &recordingSink{name: "test"}

	job := New(cfg, fetcher, nil,
		WithClock(fixedClock(start)),
		WithIDGenerator(func() string { return "run-1" }),
		WithSinks(sink),
	)

	outcome, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := readFile(t, outcome.Files.IPList); got != "1.2.3.4\n5.6.7.8\n" {
		t.Fatalf("unexpected ip list %q", got)
	}
	if got := readFile(t, outcome.Files.DomainList); got != "a.example\n" {
		t.Fatalf("unexpected domain list %q", got)
	}
	if !strings.HasPrefix(filepath.Base(outcome.Files.IPList), "2024-05-01-103000_") {
		t.Fatalf("dataset not named after run label: %s", outcome.Files.IPList)
	}

	if !outcome.WatermarkSaved {
		t.Fatal("expected watermark to be saved")
	}
	want := fmt.Sprint(start.UnixMilli())
	if got := readFile(t, cfg.WatermarkPath()); got != want {
		t.Fatalf("watermark = %q, want %q", got, want)
	}

	summary := readFile(t, outcome.ReportPath)
	if !strings.Contains(summary, "Total Incidents Processed: 2") || !strings.Contains(summary, "Unique IP Addresses Found: 2") {
		t.Fatalf("unexpected report:\n%s", summary)
	}
	if filepath.Base(outcome.ReportPath) != "2024-05-01-103000_summary.txt" {
		t.Fatalf("unexpected report path %s", outcome.ReportPath)
	}

	if len(sink.batches) != 1 {
		t.Fatalf("expected one sink delivery, got %d", len(sink.batches))
	}
	batch := sink.batches[0]
	if batch.Run.ID != "run-1" || batch.Run.Watermark != start.UnixMilli() || len(batch.NewIPs) != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}

	// Second run passes the saved watermark and finds nothing new.
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if len(fetcher.queries) != 2 || fetcher.queries[1].Since != start.UnixMilli() {
		t.Fatalf("expected second query since %d, got %+v", start.UnixMilli(), fetcher.queries)
	}
	if fetcher.queries[0].Since != 0 {
		t.Fatalf("first query should have no lower bound, got %d", fetcher.queries[0].Since)
	}
	if got := len(sink.batches[1].NewIPs); got != 0 {
		t.Fatalf("expected no new IPs on re-run, got %d", got)
	}
}

func TestRunKeepsWatermarkWhenTruncated(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.WatermarkPath(), []byte("1000"), 0o644); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	fetcher := &stubFetcher{result: &imperva.FetchResult{
		Incidents: sampleIncidents(),
		Pages:     1,
		Truncated: true,
		Cause:     errors.New("status 500"),
	}}
	rec := metrics.NewRecorder()
	job := New(cfg, fetcher, nil, WithMetrics(rec))

	outcome, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	out := httptest.NewRecorder()
	rec.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(out.Body.String(), "harvester_watermark_milliseconds 1000") {
		t.Fatalf("watermark gauge not set from the stored value:\n%s", out.Body.String())
	}
	if outcome.WatermarkSaved {
		t.Fatal("watermark must not advance after truncated pagination")
	}
	if got := readFile(t, cfg.WatermarkPath()); got != "1000" {
		t.Fatalf("watermark changed to %q", got)
	}
	if fetcher.queries[0].Since != 1000 {
		t.Fatalf("expected since 1000, got %d", fetcher.queries[0].Since)
	}
	if outcome.ReportPath == "" {
		t.Fatal("report should still be written")
	}
}

func TestRunFailsOnCorruptWatermark(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.WatermarkPath(), []byte("yesterday"), 0o644); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	fetcher := &stubFetcher{}
	rec := metrics.NewRecorder()
	if _, err := New(cfg, fetcher, nil, WithMetrics(rec)).Run(context.Background()); err == nil {
		t.Fatal("expected error for corrupt watermark")
	}
	if len(fetcher.queries) != 0 {
		t.Fatal("fetch must not run with a corrupt watermark")
	}
}

func TestRunPropagatesFetchError(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, &stubFetcher{err: context.Canceled}, nil).Run(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunSinkFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	failing := &recordingSink{name: "broken", err: errors.New("down")}
	healthy := &recordingSink{name: "ok"}

	job := New(cfg, &stubFetcher{result: &imperva.FetchResult{Incidents: sampleIncidents(), Pages: 1}}, nil,
		WithSinks(failing, healthy))
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(healthy.batches) != 1 {
		t.Fatal("healthy sink should still receive the batch")
	}
}

type stubGeo map[string]geolite.Info

func (s stubGeo) Lookup(ip string) geolite.Info { return s[ip] }

func TestRunWritesGeoFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.FileStem = "imperva"
	geo := stubGeo{"1.2.3.4": {Country: "US", Network: "Datacenter"}}

	job := New(cfg, &stubFetcher{result: &imperva.FetchResult{Incidents: sampleIncidents(), Pages: 1}}, nil, WithGeo(geo))
	outcome, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.GeoPath != filepath.Join(cfg.Storage.DataDir, "imperva_ip_geo.json") {
		t.Fatalf("unexpected geo path %q", outcome.GeoPath)
	}
	if !strings.Contains(readFile(t, outcome.GeoPath), `"country": "US"`) {
		t.Fatal("geo file missing lookup result")
	}
	if !strings.Contains(readFile(t, outcome.ReportPath), "IP Geo Details:") {
		t.Fatal("report should name the geo file")
	}
}

func TestRunAgainstAPI(t *testing.T) {
	var mu sync.Mutex
	var froms []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		froms = append(froms, r.URL.Query().Get("from"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"dominant_attack_ip":{"ip":"9.9.9.9","reputation":["tor"]},"dominant_attacked_host":{"value":"x.example"}}]`))
	}))
	defer api.Close()

	cfg := testConfig(t)
	cfg.Imperva.APIID = "id"
	cfg.Imperva.APIKey = "key"
	cfg.Imperva.BaseURL = api.URL

	client, err := imperva.NewClient(cfg.Imperva, api.Client(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	start := time.UnixMilli(1700000000000)
	job := New(cfg, client, nil, WithClock(fixedClock(start)))
	for i := 0; i < 2; i++ {
		if _, err := job.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(froms) != 2 || froms[0] != "" || froms[1] != "1700000000000" {
		t.Fatalf("unexpected from parameters %q", froms)
	}
}

func TestRunSkipsGeoWithoutDatabases(t *testing.T) {
	cfg := testConfig(t)
	job := New(cfg, &stubFetcher{result: &imperva.FetchResult{Incidents: sampleIncidents(), Pages: 1}}, nil,
		WithGeoDir(cfg.GeoLiteDir()))

	outcome, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.GeoPath != "" {
		t.Fatalf("expected no geo file, got %q", outcome.GeoPath)
	}
}
