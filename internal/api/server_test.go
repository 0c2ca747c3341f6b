package api

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/preview/internal/events"
	"github.com/fruitsalade/preview/internal/highlight"
	"github.com/fruitsalade/preview/internal/metacache"
	"github.com/fruitsalade/preview/internal/preview"
	"github.com/fruitsalade/preview/internal/session"
	"github.com/fruitsalade/preview/pkg/client"
	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
	"github.com/fruitsalade/preview/pkg/retry"
)

type stubGen struct{}

func (stubGen) Generate(_ context.Context, req protocol.GenerateRequest) ([]models.SnapshotFile, error) {
	for _, d := range req.Dependencies {
		if d == "broken" {
			return nil, client.Rejected("invalid_dependency", "broken is not supported")
		}
	}
	files := []models.SnapshotFile{
		{Path: "pom.xml", Hash: "pom-" + strings.Join(req.Dependencies, ","), Content: "<project>\n</project>\n"},
		{Path: "src/main/java/App.java", Hash: "app", Content: "class App {}\n"},
	}
	for _, d := range req.Dependencies {
		files = append(files, models.SnapshotFile{Path: "src/main/java/" + d + ".java", Hash: d, Content: "class X {}\n"})
	}
	return files, nil
}

var testMetadata = models.Metadata{
	Languages:  []models.Option{{ID: "java", Name: "Java", Default: true}},
	BuildTools: []models.Option{{ID: "maven", Name: "Maven"}},
	Dependencies: []models.DependencyGroup{
		{Name: "Web", Values: []models.Dependency{{ID: "web", Name: "Web"}, {ID: "broken", Name: "Broken"}}},
		{Name: "Data", Values: []models.Dependency{{ID: "jpa", Name: "JPA"}}},
	},
}

type testEnv struct {
	srv       *httptest.Server
	metaCalls *atomic.Int32
	metaErr   *atomic.Pointer[error]
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{metaCalls: &atomic.Int32{}, metaErr: &atomic.Pointer[error]{}}

	loader := metacache.NewLoader(metacache.New[models.Metadata](), func(context.Context) (models.Metadata, error) {
		env.metaCalls.Add(1)
		if p := env.metaErr.Load(); p != nil {
			return models.Metadata{}, *p
		}
		return testMetadata, nil
	}, time.Minute, nil)

	snapshots, err := preview.NewSnapshotCache(8)
	if err != nil {
		t.Fatal(err)
	}
	rc := retry.DefaultConfig()
	rc.Sleep = func(context.Context, time.Duration) error { return nil }

	sessions, err := session.NewManager(session.Config{
		Secret: "test-secret",
		NewCoordinator: func(id string, pub events.Publisher) (*preview.Coordinator, error) {
			hc, err := highlight.New(highlight.Config{TokenCapacity: 8, LineCapacity: 8})
			if err != nil {
				return nil, err
			}
			return preview.New(preview.Config{
				Generator:   stubGen{},
				Highlighter: highlight.NewHighlighter(hc, "github"),
				Snapshots:   snapshots,
				Publisher:   pub,
				Debounce:    time.Millisecond,
				Retry:       rc,
			})
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(loader, sessions, []string{"http://localhost:3000"}, nil)
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		env.srv.Close()
		sessions.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/session", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d", resp.StatusCode)
	}
	return decode[protocol.SessionResponse](t, resp).Token
}

func previewRequest(deps ...string) protocol.PreviewRequest {
	return protocol.PreviewRequest{
		Config:       models.ProjectConfig{Language: "java", BuildTool: "maven"},
		Dependencies: deps,
	}
}

// waitPhase polls the status endpoint until the preview leaves the
// debouncing and fetching phases.
func (e *testEnv) waitPhase(t *testing.T, token string, version uint64) protocol.PreviewStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := decode[protocol.PreviewStatus](t, e.do(t, http.MethodGet, "/api/v1/preview", token, nil))
		if st.Version == version && (st.Phase == string(preview.PhaseSettled) || st.Phase == string(preview.PhaseFailed)) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("preview v%d did not settle", version)
	return protocol.PreviewStatus{}
}

func TestHealth(t *testing.T) {
	env := setup(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestMetadata_CachesUpstream(t *testing.T) {
	env := setup(t)

	first := decode[protocol.MetadataResponse](t, env.do(t, http.MethodGet, "/api/v1/metadata", "", nil))
	if first.Cache.Status != metacache.StatusMiss || first.Metadata == nil || first.Cache.ExpiresAt == nil {
		t.Fatalf("first = %+v", first)
	}
	second := decode[protocol.MetadataResponse](t, env.do(t, http.MethodGet, "/api/v1/metadata", "", nil))
	if second.Cache.Status != metacache.StatusHit {
		t.Errorf("second status = %s", second.Cache.Status)
	}
	if n := env.metaCalls.Load(); n != 1 {
		t.Errorf("upstream called %d times", n)
	}
}

func TestMetadata_UpstreamError(t *testing.T) {
	env := setup(t)
	var err error = client.Unavailable("http_503", "down", nil)
	env.metaErr.Store(&err)

	resp := env.do(t, http.MethodGet, "/api/v1/metadata", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decode[protocol.ErrorResponse](t, resp); !body.Retryable {
		t.Errorf("body = %+v", body)
	}
}

func TestPreview_RequiresSession(t *testing.T) {
	env := setup(t)
	for _, path := range []string{"/api/v1/preview", "/api/v1/preview/tree", "/api/v1/preview/file/pom.xml"} {
		if resp := env.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d", path, resp.StatusCode)
		}
	}
}

func TestPreview_EndToEnd(t *testing.T) {
	env := setup(t)
	token := env.newSession(t)

	resp := env.do(t, http.MethodGet, "/api/v1/preview/tree", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("tree before update: %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPut, "/api/v1/preview", token, previewRequest("web", "jpa", "web"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	acc := decode[protocol.PreviewAccepted](t, resp)
	if !acc.Changed || acc.Key == "" {
		t.Fatalf("accepted = %+v", acc)
	}

	same := decode[protocol.PreviewAccepted](t, env.do(t, http.MethodPut, "/api/v1/preview", token, previewRequest("jpa", "web")))
	if same.Changed || same.Version != acc.Version {
		t.Errorf("equivalent update = %+v", same)
	}

	st := env.waitPhase(t, token, acc.Version)
	if st.Phase != string(preview.PhaseSettled) || st.FileCount != 4 || st.Stale {
		t.Fatalf("status = %+v", st)
	}
	want := protocol.DiffSummary{Added: 2, Modified: 1, Unchanged: 1}
	if st.Summary == nil || *st.Summary != want {
		t.Errorf("summary = %+v, want %+v", st.Summary, want)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/preview/tree", token, nil)
	etag := resp.Header.Get("ETag")
	tree := decode[protocol.TreeResponse](t, resp)
	if len(tree.Nodes) != 2 || tree.Nodes[0].Name != "src" || tree.Nodes[1].Name != "pom.xml" {
		t.Errorf("tree = %+v", tree.Nodes)
	}
	if etag == "" {
		t.Fatal("missing ETag")
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/preview/tree", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	cached.Body.Close()
	if cached.StatusCode != http.StatusNotModified {
		t.Errorf("conditional tree = %d", cached.StatusCode)
	}

	d := decode[protocol.DiffResponse](t, env.do(t, http.MethodGet, "/api/v1/preview/diff", token, nil))
	if !d.Available || d.Files["src/main/java/web.java"].Status != models.StatusAdded {
		t.Errorf("diff = %+v", d)
	}

	f := decode[protocol.FileResponse](t, env.do(t, http.MethodGet, "/api/v1/preview/file/pom.xml?theme=monokai", token, nil))
	if f.Status != models.StatusModified || f.BaselineHash != "pom-" || len(f.Lines) != 2 || len(f.Tokens) != 2 {
		t.Errorf("file = %+v", f)
	}

	if resp := env.do(t, http.MethodGet, "/api/v1/preview/file/nope.txt", token, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing file status = %d", resp.StatusCode)
	}

	stats := decode[highlight.Stats](t, env.do(t, http.MethodGet, "/api/v1/preview/cache", token, nil))
	if stats.TokenEntries != 1 || stats.LineEntries != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if resp := env.do(t, http.MethodDelete, "/api/v1/preview/cache", token, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear cache status = %d", resp.StatusCode)
	}
	stats = decode[highlight.Stats](t, env.do(t, http.MethodGet, "/api/v1/preview/cache", token, nil))
	if stats.TokenEntries != 0 || stats.LineEntries != 0 {
		t.Errorf("stats after clear = %+v", stats)
	}
}

func TestPreview_RejectedSurfacesError(t *testing.T) {
	env := setup(t)
	token := env.newSession(t)

	acc := decode[protocol.PreviewAccepted](t, env.do(t, http.MethodPut, "/api/v1/preview", token, previewRequest("broken")))
	st := env.waitPhase(t, token, acc.Version)
	if st.Phase != string(preview.PhaseFailed) || st.Error == nil {
		t.Fatalf("status = %+v", st)
	}
	if st.Error.Code != "invalid_dependency" || st.Error.Retryable {
		t.Errorf("error = %+v", st.Error)
	}
}

func TestPreview_BadInput(t *testing.T) {
	env := setup(t)
	token := env.newSession(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing build tool", protocol.PreviewRequest{Config: models.ProjectConfig{Language: "java"}}},
		{"not json", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := env.do(t, http.MethodPut, "/api/v1/preview", token, tt.body); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d", resp.StatusCode)
			}
		})
	}
}

func TestPreview_UnknownDependencyRejectedWithMetadata(t *testing.T) {
	env := setup(t)
	token := env.newSession(t)

	// Without cached metadata nothing is checked.
	if resp := env.do(t, http.MethodPut, "/api/v1/preview", token, previewRequest("mystery")); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	env.do(t, http.MethodGet, "/api/v1/metadata", "", nil)
	resp := env.do(t, http.MethodPut, "/api/v1/preview", token, previewRequest("web", "mystery"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decode[protocol.ErrorResponse](t, resp); body.Details != "mystery" {
		t.Errorf("details = %q", body.Details)
	}
}

func TestGzipResponses(t *testing.T) {
	env := setup(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/metadata", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", resp.Header.Get("Content-Encoding"))
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var body protocol.MetadataResponse
	if err := json.NewDecoder(gr).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Metadata == nil || len(body.Metadata.Dependencies) != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestEvents_StreamsPhaseChanges(t *testing.T) {
	env := setup(t)
	token := env.newSession(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/preview/events?token="+token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	env.do(t, http.MethodPut, "/api/v1/preview", token, previewRequest("web"))

	got := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				got <- name
			}
		}
		close(got)
	}()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case name, ok := <-got:
			if !ok {
				t.Fatal("stream ended before settled")
			}
			if name == events.EventSettled {
				return
			}
		case <-timeout:
			t.Fatal("no settled event")
		}
	}
}

func TestEndSession(t *testing.T) {
	env := setup(t)
	token := env.newSession(t)

	if resp := env.do(t, http.MethodDelete, "/api/v1/session", token, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/v1/preview", token, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("after end: status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setup(t)

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/preview", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
