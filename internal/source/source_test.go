package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"exploitwatch/internal/config"
	"exploitwatch/internal/incident"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>rekt</title>
  <item>
    <title>Euler Finance - REKT</title>
    <link>https://rekt.news/euler-rekt/</link>
    <description><![CDATA[<p>Euler Finance on Ethereum lost <b>$197M</b> to a flash loan attack.</p>]]></description>
    <pubDate>Mon, 13 Mar 2023 08:50:00 +0000</pubDate>
    <category>ethereum</category>
  </item>
  <item>
    <title>Quiet week</title>
    <link>https://rekt.news/quiet/</link>
    <description>Nothing happened.</description>
  </item>
</channel>
</rss>`

func TestJSONAPIFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "test-agent" {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"name":           "Euler Finance",
				"date":           1678697400,
				"amount":         197000000,
				"chain":          []string{"Ethereum"},
				"classification": "Protocol Logic",
				"technique":      "Flashloan Price Manipulation",
				"source":         "https://example.com/euler",
			},
			{
				"name":        "Wormhole",
				"date":        "2022-02-02",
				"amount":      "$326M",
				"chain":       []string{"Solana", "Ethereum"},
				"defillamaId": 42,
			},
		})
	}))
	defer srv.Close()

	src := NewJSONAPI("defillama", srv.URL, HTTPOptions{UserAgent: "test-agent"}, noopLogger())
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}

	first, ok := got[0].Payload.(*incident.StructuredPayload)
	if !ok {
		t.Fatalf("expected structured payload, got %T", got[0].Payload)
	}
	if first.Chain != "Ethereum" || first.Protocol != "Euler Finance" {
		t.Fatalf("unexpected payload %+v", first)
	}
	if first.Category != "Flashloan Price Manipulation" {
		t.Fatalf("technique should win over classification, got %q", first.Category)
	}
	if first.Amount.Number == nil || first.Amount.Number.IntPart() != 197000000 {
		t.Fatalf("unexpected amount %+v", first.Amount)
	}
	if first.Time.Unix != 1678697400 {
		t.Fatalf("unexpected time %+v", first.Time)
	}
	if got[0].Ref != "https://example.com/euler" {
		t.Fatalf("unexpected ref %q", got[0].Ref)
	}

	second := got[1].Payload.(*incident.StructuredPayload)
	if second.Chain != "multi-chain" {
		t.Fatalf("several chains should collapse to multi-chain, got %q", second.Chain)
	}
	if second.Amount.Text != "$326M" || second.Time.Text != "2022-02-02" {
		t.Fatalf("textual fields should pass through, got %+v", second)
	}
	if got[1].Ref != srv.URL+"#42" {
		t.Fatalf("unexpected ref %q", got[1].Ref)
	}
}

func TestJSONAPIFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "upstream down"})
	}))
	defer srv.Close()

	_, err := NewJSONAPI("defillama", srv.URL, HTTPOptions{}, noopLogger()).Fetch(context.Background())
	if !errors.Is(err, incident.ErrFetchTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("api message should be surfaced, got %v", err)
	}
}

func TestJSONAPIFetchMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	_, err := NewJSONAPI("defillama", srv.URL, HTTPOptions{}, noopLogger()).Fetch(context.Background())
	if !errors.Is(err, incident.ErrFetchTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestFetchTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewJSONAPI("slow", srv.URL, HTTPOptions{}, noopLogger()).Fetch(ctx)
	if !errors.Is(err, incident.ErrFetchTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestFeedFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	got, err := NewFeed("rekt", srv.URL, HTTPOptions{}, noopLogger()).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	p, ok := got[0].Payload.(*incident.TextPayload)
	if !ok {
		t.Fatalf("expected text payload, got %T", got[0].Payload)
	}
	if p.Title != "Euler Finance - REKT" {
		t.Fatalf("unexpected title %q", p.Title)
	}
	if strings.Contains(p.Body, "<p>") || !strings.Contains(p.Body, "$197M") {
		t.Fatalf("body should be plain text, got %q", p.Body)
	}
	want := time.Date(2023, 3, 13, 8, 50, 0, 0, time.UTC)
	if !p.Published.Equal(want) {
		t.Fatalf("expected %s, got %s", want, p.Published)
	}
	if len(p.Tags) != 1 || p.Tags[0] != "ethereum" {
		t.Fatalf("unexpected tags %v", p.Tags)
	}
	if got[0].Ref != "https://rekt.news/euler-rekt/" {
		t.Fatalf("unexpected ref %q", got[0].Ref)
	}
	if !got[1].Payload.(*incident.TextPayload).Published.IsZero() {
		t.Fatal("item without a date should carry a zero time")
	}
}

func TestFeedFetchMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not xml"))
	}))
	defer srv.Close()

	_, err := NewFeed("rekt", srv.URL, HTTPOptions{}, noopLogger()).Fetch(context.Background())
	if !errors.Is(err, incident.ErrFetchTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestGraphQLPagination(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected authorization %q", auth)
		}
		var req graphqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		n := calls.Add(1)
		page := map[string]any{
			"hasNextPage": n == 1,
			"endCursor":   map[string]any{"alertId": "a1", "blockNumber": 100},
		}
		if n == 2 {
			if req.Variables["after"] != "a1-100" {
				t.Errorf("expected cursor a1-100, got %v", req.Variables["after"])
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"alerts": map[string]any{
					"pageInfo": page,
					"alerts": []map[string]any{{
						"hash":        "0xabc",
						"name":        "Flash Loan Attack",
						"description": "suspicious flash loan",
						"metadata":    map[string]any{"protocol": "Curve", "amountUSD": "1500000"},
						"source": map[string]any{
							"transactionHash": "0x" + strings.Repeat("ab", 32),
							"block":           map[string]any{"timestamp": "2023-07-30T13:10:00Z", "chainId": 1},
						},
					}},
				},
			},
		})
	}))
	defer srv.Close()

	src := NewGraphQL(GraphQLOptions{Name: "forta", URL: srv.URL, APIKey: "secret", MaxPages: 5}, noopLogger())
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 pages, got %d", calls.Load())
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	p := got[0].Payload.(*incident.StructuredPayload)
	if p.ChainID != "1" || p.Protocol != "Curve" || p.Category != "Flash Loan Attack" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Amount.Text != "1500000" {
		t.Fatalf("unexpected amount %+v", p.Amount)
	}
	if p.Time.Text != "2023-07-30T13:10:00Z" {
		t.Fatalf("unexpected time %+v", p.Time)
	}
	if got[0].Ref != "https://explorer.forta.network/alert/0xabc" {
		t.Fatalf("unexpected ref %q", got[0].Ref)
	}
}

func TestGraphQLErrorsKeepPartialData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"alerts": map[string]any{
					"pageInfo": map[string]any{"hasNextPage": true},
					"alerts": []map[string]any{{
						"name":   "Exploit",
						"source": map[string]any{"block": map[string]any{"timestamp": 1690722600, "chainId": 56}},
					}},
				},
			},
			"errors": []map[string]string{{"message": "rate limited"}},
		})
	}))
	defer srv.Close()

	got, err := NewGraphQL(GraphQLOptions{Name: "forta", URL: srv.URL}, noopLogger()).Fetch(context.Background())
	if !errors.Is(err, incident.ErrFetchTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("partial data should be returned, got %d candidates", len(got))
	}
}

func TestMirrorFailover(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var (
		mu    sync.Mutex
		paths []string
	)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/missing/rss" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer up.Close()

	src := NewMirror("twitter", []string{down.URL, up.URL + "/"}, []string{"@peckshield", "missing"}, HTTPOptions{}, noopLogger())
	got, err := src.Fetch(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected posts from the healthy account, got %d", len(got))
	}
	if err == nil || !strings.Contains(err.Error(), "account missing") {
		t.Fatalf("failed account should be reported, got %v", err)
	}
	if !errors.Is(err, incident.ErrFetchTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) == 0 || paths[0] != "/peckshield/rss" {
		t.Fatalf("unexpected mirror paths %v", paths)
	}
	if got[0].Source != "twitter" {
		t.Fatalf("unexpected source %q", got[0].Source)
	}
}

func TestMirrorWithoutMirrors(t *testing.T) {
	_, err := NewMirror("twitter", nil, []string{"a"}, HTTPOptions{}, noopLogger()).Fetch(context.Background())
	if !errors.Is(err, incident.ErrFetchTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestStaticFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.json")
	body := `[
	  {"source": "audit", "ref": "r1", "chain": "ethereum", "protocol": "Euler", "amount": "$197M", "time": 1678697400},
	  {"title": "Bridge drained", "body": "A bridge on BSC lost $5M", "published": "2023-01-02T03:04:05Z"}
	]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := NewStatic("fixtures", path).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Source != "audit" || got[1].Source != "fixtures" {
		t.Fatalf("unexpected sources %q %q", got[0].Source, got[1].Source)
	}
	if _, ok := got[0].Payload.(*incident.StructuredPayload); !ok {
		t.Fatalf("expected structured payload, got %T", got[0].Payload)
	}
	text, ok := got[1].Payload.(*incident.TextPayload)
	if !ok {
		t.Fatalf("expected text payload, got %T", got[1].Payload)
	}
	if text.Published.Year() != 2023 {
		t.Fatalf("unexpected published %s", text.Published)
	}
}

func TestStaticMissingFile(t *testing.T) {
	_, err := NewStatic("fixtures", filepath.Join(t.TempDir(), "nope.json")).Fetch(context.Background())
	if !errors.Is(err, incident.ErrFetchTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestBuildKinds(t *testing.T) {
	for _, kind := range []string{config.KindJSONAPI, config.KindFeed, config.KindGraphQL, config.KindMirror, config.KindStatic} {
		src, err := Build(config.SourceConfig{Name: "s-" + kind, Kind: kind}, nil, noopLogger())
		if err != nil {
			t.Fatalf("build %s: %v", kind, err)
		}
		if src.Name() != "s-"+kind {
			t.Fatalf("unexpected name %q", src.Name())
		}
	}
	if _, err := Build(config.SourceConfig{Name: "x", Kind: "carrier-pigeon"}, nil, noopLogger()); err == nil {
		t.Fatal("unknown kind should fail")
	}
}
