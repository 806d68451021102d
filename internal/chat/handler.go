package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/auth"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/storage"
)

// TypingSetter records typing indicators; implemented by the presence tracker.
type TypingSetter interface {
	SetTyping(ctx context.Context, roomID int64, user event.User, isTyping bool) error
}

// Uploader persists attachment and room image uploads.
type Uploader interface {
	Save(ctx context.Context, name, contentType string, r io.Reader) (storage.Object, error)
	Delete(ctx context.Context, key string) error
}

type Handler struct {
	service   *Service
	typing    TypingSetter
	uploads   Uploader
	maxUpload int64
	logger    zerolog.Logger
}

func NewHandler(service *Service, typing TypingSetter, uploads Uploader, maxUpload int64, logger zerolog.Logger) *Handler {
	return &Handler{
		service:   service,
		typing:    typing,
		uploads:   uploads,
		maxUpload: maxUpload,
		logger:    logger.With().Str("component", "chat-http").Logger(),
	}
}

// Routes mounts the chat endpoints. Callers must already be authenticated.
// writeLimits wrap the endpoints that create rooms or messages.
func (h *Handler) Routes(r chi.Router, writeLimits ...func(http.Handler) http.Handler) {
	limited := r.With(writeLimits...)

	r.Get("/rooms", h.ListRooms)
	limited.Post("/rooms", h.CreateRoom)
	limited.Post("/direct-chat", h.CreateDirectChat)

	r.Route("/rooms/{roomID}", func(r chi.Router) {
		r.Get("/messages", h.GetMessages)
		r.With(writeLimits...).Post("/messages", h.SendMessage)
		r.Post("/join", h.Join)
		r.Post("/leave", h.Leave)
		r.Get("/members", h.ListMembers)
		r.Post("/members", h.AddMembers)
		r.Post("/mark-as-read", h.MarkAsRead)
		r.Post("/typing", h.Typing)
	})

	r.Patch("/messages/{messageID}", h.EditMessage)
	r.Delete("/messages/{messageID}", h.DeleteMessage)
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error maps err onto its status code and writes a JSON error body.
func (h *Handler) Error(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	h.JSON(w, status, map[string]string{
		"error": apperr.Message(err),
		"kind":  string(apperr.KindOf(err)),
	})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		h.Error(w, r, apperr.Unauthenticated("authentication required"))
	}
	return id, ok
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid " + name)
	}
	return id, nil
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(mediaType(r), "multipart/")
}

// isForm reports a multipart or urlencoded body.
func isForm(r *http.Request) bool {
	return isMultipart(r) || mediaType(r) == "application/x-www-form-urlencoded"
}

func parseForm(r *http.Request) error {
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return apperr.Validation("invalid form body")
	}
	return nil
}

func (h *Handler) decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("upload exceeds size limit")
		}
		return apperr.Validation("invalid multipart body")
	}
	return nil
}

func (h *Handler) saveUpload(ctx context.Context, fh *multipart.FileHeader) (Attachment, string, error) {
	f, err := fh.Open()
	if err != nil {
		return Attachment{}, "", apperr.Validation("unreadable upload " + fh.Filename)
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	obj, err := h.uploads.Save(ctx, fh.Filename, contentType, f)
	if err != nil {
		return Attachment{}, "", err
	}
	return Attachment{Name: fh.Filename, URL: obj.URL, MimeType: obj.ContentType, Size: obj.Size}, obj.Key, nil
}

// discardUploads removes objects saved for a request that then failed.
func (h *Handler) discardUploads(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := h.uploads.Delete(ctx, key); err != nil {
			h.logger.Warn().Err(err).Str("key", key).Msg("orphaned upload")
		}
	}
}

func parseIDList(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, ErrInvalidUser
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ---------------------------------------------
// Rooms
// ---------------------------------------------

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	rooms, err := h.service.ListRooms(r.Context(), caller)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

type createRoomRequest struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Image       string  `json:"image"`
	Members     []int64 `json:"members"`
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var (
		req   createRoomRequest
		saved []string
	)
	if isMultipart(r) {
		if err := h.parseMultipart(w, r); err != nil {
			h.Error(w, r, err)
			return
		}
		form := r.MultipartForm
		req.Name = r.FormValue("name")
		req.Type = r.FormValue("type")
		req.Description = r.FormValue("description")
		ids, err := parseIDList(append(form.Value["members[]"], form.Value["members"]...))
		if err != nil {
			h.Error(w, r, err)
			return
		}
		req.Members = ids
		if files := form.File["image"]; len(files) > 0 {
			img, key, err := h.saveUpload(r.Context(), files[0])
			if err != nil {
				h.Error(w, r, err)
				return
			}
			req.Image = img.URL
			saved = append(saved, key)
		}
	} else if err := h.decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}

	room, err := h.service.CreateRoom(r.Context(), caller, CreateRoomInput{
		Name:        req.Name,
		Kind:        RoomKind(req.Type),
		Description: req.Description,
		Image:       req.Image,
		MemberIDs:   req.Members,
	})
	if err != nil {
		h.discardUploads(r.Context(), saved)
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, RoomPayload{Room: room})
}

func (h *Handler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if isForm(r) {
		if err := parseForm(r); err != nil {
			h.Error(w, r, err)
			return
		}
		id, err := strconv.ParseInt(r.FormValue("user_id"), 10, 64)
		if err != nil {
			h.Error(w, r, apperr.Validation("invalid user_id"))
			return
		}
		req.UserID = id
	} else if err := h.decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}

	room, err := h.service.CreateDirectChat(r.Context(), caller, req.UserID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RoomPayload{Room: room})
}

func (h *Handler) roomAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, caller auth.Identity, roomID int64) error) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "roomID")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if err := fn(r.Context(), caller, roomID); err != nil {
		h.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	h.roomAction(w, r, h.service.Join)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	h.roomAction(w, r, h.service.Leave)
}

func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	h.roomAction(w, r, h.service.MarkAsRead)
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "roomID")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	members, err := h.service.Members(r.Context(), caller, roomID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "roomID")
	if err != nil {
		h.Error(w, r, err)
		return
	}

	var req struct {
		Members []int64 `json:"members"`
	}
	if isForm(r) {
		if err := parseForm(r); err != nil {
			h.Error(w, r, err)
			return
		}
		req.Members, err = parseIDList(append(r.Form["members[]"], r.Form["members"]...))
		if err != nil {
			h.Error(w, r, err)
			return
		}
	} else if err := h.decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}

	added, err := h.service.AddMembers(r.Context(), caller, roomID, req.Members)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if added == nil {
		added = []int64{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"added": added})
}

func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	h.roomAction(w, r, func(ctx context.Context, caller auth.Identity, roomID int64) error {
		var req struct {
			IsTyping bool `json:"is_typing"`
		}
		if isForm(r) {
			if err := parseForm(r); err != nil {
				return err
			}
			v := r.FormValue("is_typing")
			isTyping, err := strconv.ParseBool(v)
			if v != "" && err != nil {
				return apperr.Validation("invalid is_typing")
			}
			req.IsTyping = isTyping
		} else if err := h.decodeJSON(r, &req); err != nil {
			return err
		}
		return h.typing.SetTyping(ctx, roomID, event.User{ID: caller.ID, Username: caller.Username}, req.IsTyping)
	})
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "roomID")
	if err != nil {
		h.Error(w, r, err)
		return
	}

	q := PageQuery{}
	query := r.URL.Query()
	if v := query.Get("before"); v != "" {
		if q.BeforeID, err = strconv.ParseInt(v, 10, 64); err != nil || q.BeforeID < 0 {
			h.Error(w, r, apperr.Validation("invalid before"))
			return
		}
	}
	if v := query.Get("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil || q.Page < 1 {
			h.Error(w, r, apperr.Validation("invalid page"))
			return
		}
	}
	if v := query.Get("per_page"); v != "" {
		if q.Size, err = strconv.Atoi(v); err != nil || q.Size < 1 {
			h.Error(w, r, apperr.Validation("invalid per_page"))
			return
		}
	}

	page, err := h.service.Page(r.Context(), caller, roomID, q)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, page)
}

type sendMessageRequest struct {
	Message          string `json:"message"`
	ReplyToMessageID *int64 `json:"reply_to_message_id"`
	ClientID         string `json:"client_id"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	roomID, err := pathID(r, "roomID")
	if err != nil {
		h.Error(w, r, err)
		return
	}

	var (
		req         sendMessageRequest
		attachments []Attachment
		saved       []string
	)
	if isMultipart(r) {
		if err := h.parseMultipart(w, r); err != nil {
			h.Error(w, r, err)
			return
		}
		req.Message = r.FormValue("message")
		req.ClientID = r.FormValue("client_id")
		if v := r.FormValue("reply_to_message_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				h.Error(w, r, ErrInvalidReply)
				return
			}
			req.ReplyToMessageID = &id
		}
		files := append(r.MultipartForm.File["attachments[]"], r.MultipartForm.File["attachments"]...)
		if err := h.service.CheckSend(r.Context(), caller, roomID, req.Message, len(files)); err != nil {
			h.Error(w, r, err)
			return
		}
		for _, fh := range files {
			att, key, err := h.saveUpload(r.Context(), fh)
			if err != nil {
				h.discardUploads(r.Context(), saved)
				h.Error(w, r, err)
				return
			}
			attachments = append(attachments, att)
			saved = append(saved, key)
		}
	} else if err := h.decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}

	msg, err := h.service.Send(r.Context(), caller, roomID, SendInput{
		Body:        req.Message,
		Attachments: attachments,
		ReplyToID:   req.ReplyToMessageID,
		ClientID:    req.ClientID,
	})
	if err != nil {
		h.discardUploads(r.Context(), saved)
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, MessagePayload{Message: msg})
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	messageID, err := pathID(r, "messageID")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := h.decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}

	msg, err := h.service.Edit(r.Context(), caller, messageID, req.Message)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, MessagePayload{Message: msg})
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	messageID, err := pathID(r, "messageID")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), caller, messageID); err != nil {
		h.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
