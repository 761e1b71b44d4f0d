package imperva

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"harvester/internal/config"
)

type recordedRequest struct {
	query  map[string]string
	header http.Header
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, page int)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/incidents" {
		http.NotFound(w, r)
		return
	}
	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{query: q, header: r.Header.Clone()})
	f.mu.Unlock()

	page, _ := strconv.Atoi(q["page"])
	f.handler(w, page)
}

func (f *fakeAPI) calls() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func incidentsJSON(start, count int) string {
	parts := make([]string, 0, count)
	for i := 0; i < count; i++ {
		parts = append(parts, fmt.Sprintf(`{"dominant_attack_ip":{"ip":"10.0.0.%d","reputation":["bot"]}}`, start+i))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func newTestClient(t *testing.T, api http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client, err := NewClient(config.ImpervaConfig{
		APIID:   "api-id",
		APIKey:  "api-key",
		BaseURL: srv.URL + "/",
	}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

func TestFetchAllPaginatesUntilShortPage(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, page int) {
		switch page {
		case 1, 2:
			fmt.Fprint(w, incidentsJSON(page*10, 2))
		default:
			fmt.Fprint(w, incidentsJSON(page*10, 1))
		}
	}}
	client := newTestClient(t, api)

	result, err := client.FetchAll(context.Background(), Query{AccountID: "123", PageSize: 2})
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}
	if result.Truncated {
		t.Fatalf("result truncated unexpectedly: %v", result.Cause)
	}
	if result.Pages != 3 || len(result.Incidents) != 5 {
		t.Fatalf("pages=%d incidents=%d, want 3 and 5", result.Pages, len(result.Incidents))
	}
	if got := result.Incidents[0].DominantAttackIP.IP; got != "10.0.0.10" {
		t.Fatalf("first incident ip = %s, want 10.0.0.10 (order preserved)", got)
	}
	if got := result.Incidents[4].DominantAttackIP.IP; got != "10.0.0.30" {
		t.Fatalf("last incident ip = %s, want 10.0.0.30", got)
	}

	calls := api.calls()
	if len(calls) != 3 {
		t.Fatalf("requests = %d, want 3", len(calls))
	}
	first := calls[0]
	if first.query["caid"] != "123" || first.query["page"] != "1" || first.query["page_size"] != "2" {
		t.Fatalf("unexpected query %v", first.query)
	}
	if _, ok := first.query["from"]; ok {
		t.Fatal("from must be omitted without a watermark")
	}
	if first.header.Get("x-API-Id") != "api-id" || first.header.Get("x-API-Key") != "api-key" {
		t.Fatalf("missing credential headers: %v", first.header)
	}
	if first.header.Get("Accept") != "application/json" {
		t.Fatalf("Accept = %q", first.header.Get("Accept"))
	}
}

func TestFetchAllSendsWatermark(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, page int) { fmt.Fprint(w, "[]") }}
	client := newTestClient(t, api)

	result, err := client.FetchAll(context.Background(), Query{AccountID: "1", Since: 1700000000000, PageSize: 100})
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}
	if len(result.Incidents) != 0 || result.Pages != 1 {
		t.Fatalf("result = %+v, want one empty page", result)
	}
	if got := api.calls()[0].query["from"]; got != "1700000000000" {
		t.Fatalf("from = %q, want 1700000000000", got)
	}
}

func TestFetchAllStopsOnErrorStatus(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, page int) {
		if page == 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, incidentsJSON(0, 2))
	}}
	client := newTestClient(t, api)

	result, err := client.FetchAll(context.Background(), Query{AccountID: "1", PageSize: 2})
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}
	if !result.Truncated {
		t.Fatal("expected truncated result")
	}
	if len(result.Incidents) != 2 || result.Pages != 1 {
		t.Fatalf("pages=%d incidents=%d, want 1 and 2", result.Pages, len(result.Incidents))
	}

	var statusErr *StatusError
	if !errors.As(result.Cause, &statusErr) || statusErr.Code != http.StatusTooManyRequests {
		t.Fatalf("cause = %v, want 429 StatusError", result.Cause)
	}
	if !strings.Contains(statusErr.Body, "rate limited") {
		t.Fatalf("status body = %q", statusErr.Body)
	}
	if calls := api.calls(); len(calls) != 2 {
		t.Fatalf("requests = %d, want 2 (no retry)", len(calls))
	}
}

func TestFetchAllFirstPageFailure(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, page int) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}}
	client := newTestClient(t, api)

	result, err := client.FetchAll(context.Background(), Query{AccountID: "1"})
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}
	if !result.Truncated || len(result.Incidents) != 0 {
		t.Fatalf("result = %+v, want truncated and empty", result)
	}
}

func TestFetchAllSingleObjectPage(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, page int) {
		fmt.Fprint(w, `{"dominant_attacked_host":{"value":"evil.example.com"}}`)
	}}
	client := newTestClient(t, api)

	result, err := client.FetchAll(context.Background(), Query{AccountID: "1", PageSize: 100})
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}
	if len(result.Incidents) != 1 || result.Incidents[0].DominantAttackedHost.Value != "evil.example.com" {
		t.Fatalf("incidents = %+v", result.Incidents)
	}
}

func TestFetchAllMalformedRecordsCountTowardPageSize(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, page int) {
		if page == 1 {
			fmt.Fprint(w, `[{"dominant_attack_ip":{"ip":7}},{"dominant_attack_ip":{"ip":"1.1.1.1"}}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}}
	client := newTestClient(t, api)

	result, err := client.FetchAll(context.Background(), Query{AccountID: "1", PageSize: 2})
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}
	if result.Pages != 2 || len(result.Incidents) != 1 {
		t.Fatalf("pages=%d incidents=%d, want 2 and 1", result.Pages, len(result.Incidents))
	}
}

func TestFetchAllCancelledContext(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, page int) { fmt.Fprint(w, "[]") }}
	client := newTestClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.FetchAll(ctx, Query{AccountID: "1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("FetchAll = %v, want context.Canceled", err)
	}
	if calls := api.calls(); len(calls) != 0 {
		t.Fatalf("requests = %d, want none", len(calls))
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(config.ImpervaConfig{APIID: "id"}, nil, nil)
	if !errors.Is(err, config.ErrMissingCredentials) {
		t.Fatalf("NewClient = %v, want ErrMissingCredentials", err)
	}
}
