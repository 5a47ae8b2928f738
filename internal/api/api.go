// Package api exposes the HTTP admin surface next to the websocket
// endpoint: health probes, document text, and the snapshot/rollback
// operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tourvision/sync/internal/session"
	"tourvision/sync/internal/store"
)

type API struct {
	registry *session.Registry
	store    store.DocumentStore
	archive  *store.Archive
}

// New wires the admin API. archive may be nil, which disables the
// snapshot and rollback endpoints.
func New(registry *session.Registry, docStore store.DocumentStore, archive *store.Archive) *API {
	return &API{registry: registry, store: docStore, archive: archive}
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/ready", a.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{doc}/text", a.handleText).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{doc}/snapshots", a.handleCreateSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{doc}/snapshots", a.handleListSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{doc}/rollback", a.handleRollback).Methods(http.MethodPost)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

func (a *API) handleText(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": sess.PlainText()})
}

func (a *API) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "no snapshot archive configured")
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	id, err := a.archive.PutSnapshot(r.Context(), sess.Name(), sess.SaveState())
	if err != nil {
		log.Printf("api: snapshot %q: %v", sess.Name(), err)
		writeError(w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to archive snapshot")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"snapshotId": id})
}

func (a *API) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "no snapshot archive configured")
		return
	}
	doc := mux.Vars(r)["doc"]
	ids, err := a.archive.ListSnapshots(r.Context(), doc)
	if err != nil {
		log.Printf("api: list snapshots %q: %v", doc, err)
		writeError(w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": ids})
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "no snapshot archive configured")
		return
	}
	var input struct {
		SnapshotID string `json:"snapshotId"`
	}
	if err := decodeBody(r, &input); err != nil || input.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "snapshotId is required")
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	snapshot, err := a.archive.GetSnapshot(r.Context(), sess.Name(), input.SnapshotID)
	if err != nil {
		writeError(w, http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "snapshot not found")
		return
	}
	if err := sess.Rollback(snapshot); err != nil {
		log.Printf("api: rollback %q to %s: %v", sess.Name(), input.SnapshotID, err)
		writeError(w, http.StatusConflict, "ROLLBACK_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	doc := mux.Vars(r)["doc"]
	if doc == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing document name")
		return nil, false
	}
	sess, err := a.registry.Get(r.Context(), doc)
	if err != nil {
		log.Printf("api: open session %q: %v", doc, err)
		writeError(w, http.StatusInternalServerError, "SESSION_ERROR", "failed to open document")
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return json.Unmarshal(body, target)
}
