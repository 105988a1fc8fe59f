package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuqie6/bprogress/internal/eventbus"
	"github.com/yuqie6/bprogress/internal/repository"
	"github.com/yuqie6/bprogress/internal/schema"
	"github.com/yuqie6/bprogress/internal/service"
)

// ProgressAPI 进度服务中 HTTP 需要的部分
type ProgressAPI interface {
	Progress(ctx context.Context) (*schema.UserProgress, error)
	Activities(ctx context.Context) ([]schema.ActivityItem, error)
	ToggleCheck(ctx context.Context, itemID string) (*schema.ActivityItem, *schema.UserProgress, error)
	ToggleImportant(ctx context.Context, itemID string) (*schema.ActivityItem, error)
	SubmitMilestoneFeeling(ctx context.Context, feeling string, milestone int) (bool, error)
	Interval() int
}

type TaskLister interface {
	List(ctx context.Context, limit int) ([]schema.DeferredTask, error)
}

type NotificationLister interface {
	GetRecent(ctx context.Context, limit int) ([]schema.Notification, error)
}

// Deps HTTP 层依赖
type Deps struct {
	Progress      ProgressAPI
	Tasks         TaskLister
	Notifications NotificationLister
	Hub           *eventbus.Hub
}

// ========== DTOs ==========

type ProgressDTO struct {
	TotalChecks           int     `json:"total_checks"`
	FirstCheckAt          *int64  `json:"first_check_at,omitempty"`
	MilestoneInterval     int     `json:"milestone_interval"`
	NextMilestone         int     `json:"next_milestone"`
	LastNotifiedMilestone int     `json:"last_notified_milestone"`
	LastShownMilestone    int     `json:"last_shown_milestone"`
	StreakAchieved        bool    `json:"streak_achieved"`
	Feeling               *string `json:"feeling,omitempty"`
}

type ToggleRequest struct {
	ID string `json:"id"`
}

type FeelingRequest struct {
	Milestone int    `json:"milestone"`
	Feeling   string `json:"feeling"`
}

type FeelingResultDTO struct {
	Enqueued bool `json:"enqueued"`
}

func progressToDTO(p *schema.UserProgress, interval int) *ProgressDTO {
	if p == nil {
		return nil
	}
	return &ProgressDTO{
		TotalChecks:           p.TotalChecksCount,
		FirstCheckAt:          p.FirstCheckTimestamp,
		MilestoneInterval:     interval,
		NextMilestone:         (p.TotalChecksCount/interval + 1) * interval,
		LastNotifiedMilestone: p.LastMilestoneNotificationCount,
		LastShownMilestone:    p.LastStreakDialogShownAtCount,
		StreakAchieved:        p.FiftyStreakAchieved,
		Feeling:               p.FiftyStreakFeeling,
	}
}

// ========== routes ==========

func (a *apiServer) registerJSONRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/progress", a.wrapGET(a.getProgress))
	mux.HandleFunc("/api/activities", a.wrapGET(a.listActivities))
	mux.HandleFunc("/api/activities/check", a.wrapPOST(a.toggleCheck))
	mux.HandleFunc("/api/activities/important", a.wrapPOST(a.toggleImportant))
	mux.HandleFunc("/api/milestones/feeling", a.wrapPOST(a.submitFeeling))
	mux.HandleFunc("/api/tasks", a.wrapGET(a.listTasks))
	mux.HandleFunc("/api/notifications", a.wrapGET(a.listNotifications))
}

func (a *apiServer) wrapGET(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	}
}

func (a *apiServer) wrapPOST(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	}
}

// ========== handlers ==========

func (a *apiServer) getProgress(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Progress.Progress(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "progress not initialized")
		return
	}
	writeJSON(w, http.StatusOK, progressToDTO(p, a.deps.Progress.Interval()))
}

func (a *apiServer) listActivities(w http.ResponseWriter, r *http.Request) {
	items, err := a.deps.Progress.Activities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []schema.ActivityItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *apiServer) toggleCheck(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := readJSON(r, &req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	item, p, err := a.deps.Progress.ToggleCheck(r.Context(), req.ID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item":     item,
		"progress": progressToDTO(p, a.deps.Progress.Interval()),
	})
}

func (a *apiServer) toggleImportant(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := readJSON(r, &req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	item, err := a.deps.Progress.ToggleImportant(r.Context(), req.ID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *apiServer) submitFeeling(w http.ResponseWriter, r *http.Request) {
	var req FeelingRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	enqueued, err := a.deps.Progress.SubmitMilestoneFeeling(ctx, strings.TrimSpace(req.Feeling), req.Milestone)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, FeelingResultDTO{Enqueued: enqueued})
}

func (a *apiServer) listTasks(w http.ResponseWriter, r *http.Request) {
	if a.deps.Tasks == nil {
		writeJSON(w, http.StatusOK, []schema.DeferredTask{})
		return
	}
	tasks, err := a.deps.Tasks.List(r.Context(), limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *apiServer) listNotifications(w http.ResponseWriter, r *http.Request) {
	if a.deps.Notifications == nil {
		writeJSON(w, http.StatusOK, []schema.Notification{})
		return
	}
	list, err := a.deps.Notifications.GetRecent(r.Context(), limitParam(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidMilestone):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrProgressMissing):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func limitParam(r *http.Request, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
