package guard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/guardxp/classify"
	"github.com/hazyhaar/guardxp/fingerprint"
)

func testRouter(t *testing.T) (*Guard, http.Handler) {
	t.Helper()
	g, _ := newTestGuard(t, classify.Table{})
	r := chi.NewRouter()
	g.RegisterHTTP(r)
	return g, r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPListLifecycle(t *testing.T) {
	_, h := testRouter(t)
	fp := string(fingerprint.Of(trackerJS))

	if rec := do(t, h, http.MethodPut, "/api/lists/"+fp, `{"status":"deny"}`); rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d %s", rec.Code, rec.Body)
	}

	rec := do(t, h, http.MethodGet, "/api/lookup/"+fp, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"disposition":"suppress"`) {
		t.Fatalf("lookup = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/lists?status=deny", "")
	var entries []map[string]any
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0]["hash"] != fp || entries[0]["status"] != "deny" {
		t.Fatalf("lists = %s", rec.Body)
	}

	if rec := do(t, h, http.MethodDelete, "/api/lists/"+fp, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/lists/"+fp, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d, want 404", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/lookup/"+fp, "")
	if !strings.Contains(rec.Body.String(), `"source":"default"`) {
		t.Fatalf("lookup after delete = %s", rec.Body)
	}
}

func TestHTTPBadInput(t *testing.T) {
	_, h := testRouter(t)
	fp := string(fingerprint.Of(trackerJS))

	cases := []struct{ method, path, body string }{
		{http.MethodGet, "/api/lookup/xyz", ""},
		{http.MethodPut, "/api/lists/" + fp, `{"status":"maybe"}`},
		{http.MethodPut, "/api/lists/" + fp, `not json`},
		{http.MethodGet, "/api/lists?status=grey", ""},
	}
	for _, c := range cases {
		if rec := do(t, h, c.method, c.path, c.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s = %d, want 400", c.method, c.path, rec.Code)
		}
	}
}

func TestHTTPStatsRefreshAudit(t *testing.T) {
	g, h := testRouter(t)

	rec := do(t, h, http.MethodPost, "/api/refresh", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":2`) {
		t.Fatalf("refresh = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/stats", "")
	var st Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.RunID != g.RunID() || st.Snapshot.Version != 2 || st.Status == nil || st.Breaker != "closed" {
		t.Fatalf("stats = %+v", st)
	}

	rec = do(t, h, http.MethodGet, "/api/audit?limit=5", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("audit = %d %s", rec.Code, rec.Body)
	}
}

func TestHTTPUnavailable(t *testing.T) {
	g, h := testRouter(t)
	g.store.Close()
	if rec := do(t, h, http.MethodGet, "/api/audit", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("audit = %d, want 503", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("refresh = %d, want 503", rec.Code)
	}
}
