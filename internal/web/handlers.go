package web

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/encoder"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
	"github.com/kozaktomas/face-attendance/internal/recognize"
	"github.com/kozaktomas/face-attendance/internal/syncer"
)

// maxEnrollUpload caps enrollment photo size at 10 MB.
const maxEnrollUpload = 10 << 20

// enrollMaxDimension matches the resize applied during bulk enrollment.
const enrollMaxDimension = 1024

// Embedder computes a face embedding from an enrollment photo.
// The encoder client satisfies it.
type Embedder interface {
	ComputeEmbedding(ctx context.Context, imageData []byte) ([]float32, error)
}

// IdentityPersister mirrors enrollment changes into durable storage.
// Optional; nil keeps identities in memory only.
type IdentityPersister interface {
	Save(ctx context.Context, identityID, displayName string, embedding []float32) error
	Delete(ctx context.Context, identityID string) error
}

// Handlers bundles the live components the API reads from and writes to.
type Handlers struct {
	store      *recognize.EncodingStore
	attendance *ledger.Ledger
	writer     *syncer.Writer
	pipe       *pipeline.Pipeline
	embedder   Embedder
	identities IdentityPersister
}

// NewHandlers creates the API handler set. embedder and identities may be nil
// when enrollment over HTTP is not configured.
func NewHandlers(
	store *recognize.EncodingStore,
	attendance *ledger.Ledger,
	writer *syncer.Writer,
	pipe *pipeline.Pipeline,
	embedder Embedder,
	identities IdentityPersister,
) *Handlers {
	return &Handlers{
		store:      store,
		attendance: attendance,
		writer:     writer,
		pipe:       pipe,
		embedder:   embedder,
		identities: identities,
	}
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports runtime counters for the whole recognition loop.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	stats := h.pipe.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"people_enrolled":  h.store.Count(),
		"present_today":    h.attendance.PresentCount(),
		"frames_processed": stats.FramesProcessed,
		"frames_dropped":   stats.FramesDropped,
		"observations":     stats.Observations,
		"detector_errors":  stats.DetectorErrors,
		"sync_queue_depth": h.writer.QueueDepth(),
		"sync_delivered":   h.writer.Delivered(),
		"dead_letters":     len(h.writer.DeadLetters()),
	})
}

// Attendance returns today's records in order of first sighting.
func (h *Handlers) Attendance(w http.ResponseWriter, r *http.Request) {
	records := h.attendance.Records()

	type row struct {
		IdentityID  string `json:"identity_id"`
		DisplayName string `json:"display_name"`
		SessionDate string `json:"session_date"`
		FirstSeen   string `json:"first_seen"`
		Status      string `json:"status"`
	}

	rows := make([]row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, row{
			IdentityID:  rec.IdentityID,
			DisplayName: rec.DisplayName,
			SessionDate: rec.SessionDate,
			FirstSeen:   rec.FirstSeen.Format("15:04:05"),
			Status:      string(rec.Status),
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(rows),
		"records": rows,
	})
}

// People lists enrolled identities.
func (h *Handlers) People(w http.ResponseWriter, r *http.Request) {
	identities := h.store.LookupAll()

	type person struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Embeddings  int    `json:"embeddings"`
	}

	people := make([]person, 0, len(identities))
	for _, id := range identities {
		people = append(people, person{
			ID:          id.ID,
			DisplayName: id.DisplayName,
			Embeddings:  len(id.Embeddings),
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"count":  len(people),
		"people": people,
	})
}

// RemovePerson unenrolls an identity. Frames already in flight may still
// match until the next snapshot is published.
func (h *Handlers) RemovePerson(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing identity id")
		return
	}

	h.store.Remove(id)

	if h.identities != nil {
		if err := h.identities.Delete(r.Context(), id); err != nil {
			log.Printf("WARNING: failed to delete identity %s from storage: %v", sanitizeForLog(id), err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// Enroll accepts a multipart photo upload plus a name and adds a reference
// embedding for that person.
func (h *Handlers) Enroll(w http.ResponseWriter, r *http.Request) {
	if h.embedder == nil {
		respondError(w, http.StatusServiceUnavailable, "enrollment not configured")
		return
	}

	if err := r.ParseMultipartForm(maxEnrollUpload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "missing name")
		return
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing photo")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxEnrollUpload))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read photo")
		return
	}

	resized, err := encoder.ResizeImage(data, enrollMaxDimension)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid image")
		return
	}

	embedding, err := h.embedder.ComputeEmbedding(r.Context(), resized)
	if err != nil {
		log.Printf("WARNING: embedding failed for %s: %v", sanitizeForLog(name), err)
		respondError(w, http.StatusBadGateway, "embedding service failed")
		return
	}

	identity, err := h.store.Enroll(name, embedding)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	if h.identities != nil {
		if err := h.identities.Save(r.Context(), identity.ID, identity.DisplayName, embedding); err != nil {
			log.Printf("WARNING: failed to persist identity %s: %v", sanitizeForLog(identity.ID), err)
		}
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":           identity.ID,
		"display_name": identity.DisplayName,
		"embeddings":   len(identity.Embeddings),
	})
}

// DeadLetters lists records the sync writer gave up on.
func (h *Handlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	tasks := h.writer.DeadLetters()

	type letter struct {
		ID          string `json:"id"`
		IdentityID  string `json:"identity_id"`
		DisplayName string `json:"display_name"`
		SessionDate string `json:"session_date"`
		Attempts    int    `json:"attempts"`
		LastError   string `json:"last_error"`
	}

	letters := make([]letter, 0, len(tasks))
	for _, task := range tasks {
		letters = append(letters, letter{
			ID:          task.ID,
			IdentityID:  task.Record.IdentityID,
			DisplayName: task.Record.DisplayName,
			SessionDate: task.Record.SessionDate,
			Attempts:    task.Attempts,
			LastError:   task.LastError,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"count":        len(letters),
		"dead_letters": letters,
	})
}

// RetryDeadLetter requeues a dead letter for delivery.
func (h *Handlers) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.writer.RetryDeadLetter(id) {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"requeued": id})
}
