package guard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/guardxp/fingerprint"
	"github.com/hazyhaar/guardxp/internal/store"
)

// RegisterHTTP mounts the admin JSON API under /api.
func (g *Guard) RegisterHTTP(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", g.handleStats)
		r.Post("/refresh", g.handleRefresh)
		r.Get("/lookup/{hash}", g.handleLookup)
		r.Get("/lists", g.handleListEntries)
		r.Put("/lists/{hash}", g.handleListSet)
		r.Delete("/lists/{hash}", g.handleListDelete)
		r.Get("/audit", g.handleAudit)
	})
}

func (g *Guard) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Stats(r.Context()))
}

func (g *Guard) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := g.Refresh(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	allow, deny, _ := snap.Counts()
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version(), "allow": allow, "deny": deny})
}

func (g *Guard) handleLookup(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Lookup(fp))
}

func (g *Guard) handleListEntries(w http.ResponseWriter, r *http.Request) {
	status, err := store.ParseListStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := g.ListEntries(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if entries == nil {
		entries = []store.ListEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (g *Guard) handleListSet(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, err := store.ParseListStatus(body.Status)
	if err != nil || status == store.AnyStatus {
		writeError(w, http.StatusBadRequest, errors.New(`status must be "allow" or "deny"`))
		return
	}
	if err := g.SetListStatus(r.Context(), fp, status); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": string(fp), "status": status.String()})
}

func (g *Guard) handleListDelete(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	removed, err := g.DeleteListEntry(r.Context(), fp)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, errors.New("no list entry for hash"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Guard) handleAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := g.RecentAudit(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- Helpers ---

func statusFor(err error) int {
	if errors.Is(err, store.ErrUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
