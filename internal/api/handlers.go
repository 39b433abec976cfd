package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/executor"
	"github.com/manpreetbhatti/coderoom/internal/room"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

var validate = validator.New()

// Runner executes code on behalf of a room
type Runner interface {
	Run(ctx context.Context, req executor.Request) executor.Outcome
}

type API struct {
	hub      *ws.Hub
	store    *room.Store
	database *db.Database
	runner   Runner
	log      *slog.Logger
}

// New builds the HTTP surface. database may be nil, in which case the run
// history endpoints report 503.
func New(hub *ws.Hub, store *room.Store, database *db.Database, runner Runner, logger *slog.Logger) *API {
	return &API{
		hub:      hub,
		store:    store,
		database: database,
		runner:   runner,
		log:      logger,
	}
}

// Routes mounts every handler on mux. runLimit wraps the execution endpoint.
func (a *API) Routes(mux *http.ServeMux, runLimit func(http.Handler) http.Handler) {
	mux.Handle("/run", runLimit(http.HandlerFunc(a.RunHandler)))
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/rooms", a.RoomsRouter)
	mux.HandleFunc("/api/rooms/", a.RoomsRouter)
	mux.HandleFunc("/api/runs", a.RunsRouter)
	mux.HandleFunc("/api/runs/", a.RunsRouter)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error("encode json response", "err", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// Execution

type RunRequest struct {
	Code     string `json:"code" validate:"max=65536"`
	Language string `json:"language" validate:"required,max=32"`
	RoomID   string `json:"roomId" validate:"required,max=128"`
}

type RunResponse struct {
	Output string `json:"output"`
}

// RunHandler executes the submitted code and answers with the same text the
// room receives as outputUpdate
func (a *API) RunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	out := a.runner.Run(r.Context(), executor.Request{
		RoomID:   req.RoomID,
		Code:     req.Code,
		Language: req.Language,
	})

	status := http.StatusOK
	if out.Failed {
		status = http.StatusInternalServerError
	}
	a.jsonResponse(w, status, RunResponse{Output: out.Output})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if a.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.database.Ping(ctx); err != nil {
			a.log.Warn("health check: database unreachable", "err", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	a.jsonResponse(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.store.Len(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err == nil {
			stats["total_runs"] = dbStats["run_count"]
			stats["failed_runs"] = dbStats["failed_run_count"]
			stats["rooms_with_runs"] = dbStats["room_count"]
		} else {
			a.log.Warn("stats: database query failed", "err", err)
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string   `json:"id"`
	Language    string   `json:"language"`
	ActiveUsers int      `json:"active_users"`
	Users       []string `json:"users,omitempty"`
	Connected   int      `json:"connected,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	summaries := a.store.Rooms()
	attached := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(summaries))
	for i, s := range summaries {
		response[i] = RoomResponse{
			ID:          s.ID,
			Language:    string(s.Language),
			ActiveUsers: s.Participants,
			Connected:   attached[s.ID],
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms": response,
		"total": len(response),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/rooms/"), "/")
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	state, ok := a.store.Snapshot(roomID)
	if !ok {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          state.ID,
		Language:    string(state.Language),
		ActiveUsers: len(state.Roster),
		Users:       state.Names(),
		Connected:   a.hub.GetActiveRooms()[roomID],
	})
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/rooms")
	if path == "" || path == "/" {
		a.ListRoomsHandler(w, r)
		return
	}
	a.GetRoomHandler(w, r)
}

// Run history handlers

func (a *API) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	runs, err := a.database.ListRuns(r.Context(), roomID, limit, offset)
	if err != nil {
		a.log.Error("list runs", "room", roomID, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	// Code is omitted in list view
	for i := range runs {
		runs[i].Code = ""
	}

	total, _ := a.database.CountRuns(r.Context(), roomID)

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid run ID")
		return
	}

	run, err := a.database.GetRun(r.Context(), id)
	if err != nil {
		a.log.Error("get run", "id", id, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get run")
		return
	}
	if run == nil {
		a.errorResponse(w, http.StatusNotFound, "Run not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, run)
}

func (a *API) RunsRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if a.database == nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Run history is disabled")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/runs")
	if path == "" || path == "/" {
		a.ListRunsHandler(w, r)
		return
	}
	a.GetRunHandler(w, r)
}
