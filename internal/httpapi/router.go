// Package httpapi exposes the tool registry over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/linkerlin/nanotools.go/internal/db"
	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/tools"
)

// Caller identity headers.
const (
	HeaderUserID   = "X-User-ID"
	HeaderChatType = "X-Chat-Type"
	HeaderGroupID  = "X-Group-ID"
)

const maxBodyBytes = 1 << 20

// Journal reads back delivery attempts.
type Journal interface {
	Attempts(ctx context.Context, reminderID string) ([]db.Attempt, error)
	Recent(ctx context.Context, limit int) ([]db.Attempt, error)
}

// Deps are the handlers' collaborators. Journal and IsAdmin may be nil, in
// which case the attempts routes answer 404.
type Deps struct {
	Registry *tools.Registry
	Journal  Journal
	IsAdmin  func(userID string) bool
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h := &toolHandler{reg: d.Registry}
	r.Get("/tools", h.List)
	r.Post("/tools/{name}", h.Call)

	if d.Journal != nil && d.IsAdmin != nil {
		ah := &attemptHandler{journal: d.Journal, isAdmin: d.IsAdmin}
		r.Get("/reminders/{id}/attempts", ah.List)
		r.Get("/attempts", ah.Recent)
	}

	return r
}

type toolHandler struct {
	reg *tools.Registry
}

func (h *toolHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.reg.Definitions()})
}

func (h *toolHandler) Call(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.reg.Has(name) {
		writeError(w, http.StatusNotFound, errs.CodeNotFound, "unknown tool "+strconv.Quote(name))
		return
	}

	args := map[string]any{}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeInvalidArgument, "read body: "+err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeError(w, http.StatusBadRequest, errs.CodeInvalidArgument, "bad json")
			return
		}
	}

	caller := tools.Caller{
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		ChatType: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderChatType))),
		GroupID:  strings.TrimSpace(r.Header.Get(HeaderGroupID)),
	}

	// Identity comes from headers only; a body cannot claim to be someone else.
	out, err := h.reg.CallAs(r.Context(), name, caller, args)
	if err != nil {
		writeError(w, StatusFor(err), errs.CodeOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type attemptView struct {
	ID         int64  `json:"id"`
	ReminderID string `json:"reminder_id"`
	Attempt    int    `json:"attempt"`
	Target     string `json:"target"`
	At         string `json:"at"`
	DurationMs int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

type attemptHandler struct {
	journal Journal
	isAdmin func(string) bool
}

// List 返回某个提醒的投递记录, 仅管理员可见
func (h *attemptHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	attempts, err := h.journal.Attempts(r.Context(), chi.URLParam(r, "id"))
	h.write(w, attempts, err)
}

// Recent 返回最近的投递记录, limit 默认 50, 最多 500
func (h *attemptHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errs.CodeInvalidArgument, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	attempts, err := h.journal.Recent(r.Context(), limit)
	h.write(w, attempts, err)
}

func (h *attemptHandler) admin(w http.ResponseWriter, r *http.Request) bool {
	if !h.isAdmin(strings.TrimSpace(r.Header.Get(HeaderUserID))) {
		writeError(w, http.StatusForbidden, errs.CodeForbidden, "admin only")
		return false
	}
	return true
}

func (h *attemptHandler) write(w http.ResponseWriter, attempts []db.Attempt, err error) {
	if err != nil {
		slog.Error("read delivery attempts", "err", err)
		writeError(w, http.StatusInternalServerError, errs.CodeInternal, "server error")
		return
	}

	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptView{
			ID:         a.ID,
			ReminderID: a.ReminderID,
			Attempt:    a.Attempt,
			Target:     a.Target,
			At:         a.At.UTC().Format(time.RFC3339),
			DurationMs: a.Duration.Milliseconds(),
			OK:         a.OK,
			Error:      a.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": views})
}

// StatusFor maps a tool failure onto an HTTP status.
func StatusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidTime, errs.CodeInvalidArgument:
		return http.StatusBadRequest
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeAlreadyTerminal:
		return http.StatusConflict
	case errs.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case errs.CodeDeliveryFailure:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errs.Code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": msg}})
}
