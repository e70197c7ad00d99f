package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/coderoom/internal/broker"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/registry"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

// StatsSource reports repository statistics.
type StatsSource interface {
	Stats(ctx context.Context) (map[string]any, error)
}

type API struct {
	registry *registry.Registry
	broker   *broker.Broker
	store    StatsSource
	log      *zap.Logger
	validate *validator.Validate
}

func New(reg *registry.Registry, b *broker.Broker, store StatsSource, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		registry: reg,
		broker:   b,
		store:    store,
		log:      log,
		validate: validator.New(),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("encode response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	if _, ok := room.IsValidation(err); ok {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, room.ErrNotFound), errors.Is(err, room.ErrRoomDeleted):
		return http.StatusNotFound
	case errors.Is(err, room.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, room.ErrCapacityExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		a.errorResponse(w, status, "Internal server error")
		return
	}
	a.errorResponse(w, status, err.Error())
}

// decode reads a JSON body into dst and validates it.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			a.errorResponse(w, http.StatusBadRequest, verrs[0].Field()+" is "+verrs[0].Tag())
			return false
		}
		a.errorResponse(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.registry.List()
	sessions := a.broker.Stats()

	stats := map[string]any{
		"live_rooms":     len(live),
		"active_rooms":   sessions.Rooms,
		"active_clients": sessions.Subscribers,
		"participants": lo.SumBy(live, func(rm *room.Room) int {
			return rm.ParticipantCount()
		}),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		storeStats, err := a.store.Stats(r.Context())
		if err != nil {
			a.log.Warn("repository stats", zap.Error(err))
		} else {
			stats["store"] = storeStats
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

func (a *API) LanguagesHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"languages": room.Catalog(),
		"default":   room.DefaultLanguage,
	})
}

// Room handlers

type RoomResponse struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	MaxParticipants int           `json:"maxParticipants"`
	IsPrivate       bool          `json:"isPrivate"`
	CreatedAt       time.Time     `json:"createdAt"`
	Participants    int           `json:"participants"`
	Language        room.Language `json:"language"`
}

type RoomDetailResponse struct {
	RoomResponse
	Users    []protocol.PresenceEntry `json:"users"`
	Revision uint64                   `json:"revision"`
}

func toRoomResponse(rm *room.Room) RoomResponse {
	return RoomResponse{
		ID:              rm.ID,
		Name:            rm.Name,
		MaxParticipants: rm.MaxParticipants,
		IsPrivate:       rm.IsPrivate,
		CreatedAt:       rm.CreatedAt,
		Participants:    rm.ParticipantCount(),
		Language:        rm.Document().Language,
	}
}

func presenceEntries(rm *room.Room) []protocol.PresenceEntry {
	return lo.Map(rm.Participants(), func(p room.Participant, _ int) protocol.PresenceEntry {
		return protocol.PresenceEntry{UserID: p.ID, DisplayName: p.DisplayName}
	})
}

type CreateRoomRequest struct {
	Name            string `json:"name" validate:"required,max=100"`
	Password        string `json:"password" validate:"required,max=72"`
	MaxParticipants int    `json:"maxParticipants" validate:"gte=0"`
	IsPrivate       bool   `json:"isPrivate"`
}

type CreateRoomResponse struct {
	RoomResponse
	CreatorToken string `json:"creatorToken"`
}

type JoinRoomRequest struct {
	UserID      string `json:"userId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"max=128"`
	Password    string `json:"password" validate:"required"`
}

type JoinRoomResponse struct {
	Room           RoomDetailResponse `json:"room"`
	Token          string             `json:"token"`
	AlreadyPresent bool               `json:"alreadyPresent"`
}

type LeaveRoomRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListRoomsHandler lists public live rooms.
func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	public := lo.Filter(a.registry.List(), func(rm *room.Room, _ int) bool {
		return !rm.IsPrivate
	})
	total := len(public)
	page := lo.Slice(public, offset, offset+limit)

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  lo.Map(page, func(rm *room.Room, _ int) RoomResponse { return toRoomResponse(rm) }),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !a.decode(w, r, &req) {
		return
	}

	created, err := a.registry.CreateRoom(r.Context(), registry.CreateParams{
		Name:            req.Name,
		Password:        req.Password,
		MaxParticipants: req.MaxParticipants,
		IsPrivate:       req.IsPrivate,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	token, err := a.registry.IssueCreatorToken(created.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.jsonResponse(w, http.StatusCreated, CreateRoomResponse{
		RoomResponse: toRoomResponse(created),
		CreatorToken: token,
	})
}

func roomKey(r *http.Request) string {
	return registry.NormalizeKey(chi.URLParam(r, "key"))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	found, err := a.registry.Get(r.Context(), roomKey(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	doc := found.Document()
	a.jsonResponse(w, http.StatusOK, RoomDetailResponse{
		RoomResponse: toRoomResponse(found),
		Users:        presenceEntries(found),
		Revision:     doc.Revision,
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// DeleteRoomHandler requires the creator token returned at creation.
func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	key := roomKey(r)

	if err := a.registry.AuthorizeCreator(key, bearerToken(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.registry.DeleteRoom(r.Context(), key); err != nil {
		a.fail(w, r, err)
		return
	}
	a.broker.CloseRoom(key)

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if !a.decode(w, r, &req) {
		return
	}
	key := roomKey(r)

	res, joined, err := a.registry.JoinRoom(r.Context(), key, req.Password, room.Participant{
		ID:          req.UserID,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	token, err := a.registry.IssueParticipantToken(key, req.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, JoinRoomResponse{
		Room: RoomDetailResponse{
			RoomResponse: toRoomResponse(joined),
			Users:        presenceEntries(joined),
			Revision:     joined.Document().Revision,
		},
		Token:          token,
		AlreadyPresent: res.AlreadyPresent,
	})
}

func (a *API) LeaveRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req LeaveRoomRequest
	if !a.decode(w, r, &req) {
		return
	}
	key := roomKey(r)

	left := a.registry.LeaveRoom(r.Context(), key, req.UserID)
	if found, ok := a.registry.Lookup(key); ok && left {
		a.broker.Publish(key, protocol.Presence{RoomID: key, Users: presenceEntries(found)}, "")
	}

	a.jsonResponse(w, http.StatusOK, map[string]bool{"left": left})
}

func (a *API) UserRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := a.registry.RoomsByUser(chi.URLParam(r, "id"))
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms": lo.Map(rooms, func(rm *room.Room, _ int) RoomResponse { return toRoomResponse(rm) }),
	})
}
