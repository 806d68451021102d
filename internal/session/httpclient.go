package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/chat"
)

// RetryPolicy bounds automatic retries of read requests. Writes are never
// retried.
type RetryPolicy struct {
	Attempts      int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts:      3,
	InitialDelay:  200 * time.Millisecond,
	MaxDelay:      2 * time.Second,
	BackoffFactor: 2,
}

// HTTPClient talks to the REST surface of the chat server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	retry   RetryPolicy
}

type ClientOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.client = c }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(h *HTTPClient) { h.retry = p }
}

func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		retry:   DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetToken sets the bearer token sent with every request.
func (h *HTTPClient) SetToken(token string) {
	h.token = token
}

func (h *HTTPClient) Token() string {
	return h.token
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
}

// do performs one request and decodes a JSON response into out.
func (h *HTTPClient) do(ctx context.Context, req request, out any) error {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	r, err := http.NewRequestWithContext(ctx, req.method, h.baseURL+req.path, body)
	if err != nil {
		return apperr.Internal("build request", err)
	}
	if req.contentType != "" {
		r.Header.Set("Content-Type", req.contentType)
	}
	if h.token != "" {
		r.Header.Set("Authorization", "Bearer "+h.token)
	}
	r.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transport(fmt.Sprintf("%s %s", req.method, req.path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transport("decode response", err)
	}
	return nil
}

// decodeError rebuilds the server's typed error from its JSON body.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}

	kind := apperr.Kind(body.Kind)
	switch {
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusGatewayTimeout:
		kind = apperr.KindTransport
	case kind == "":
		kind = kindForStatus(resp.StatusCode)
	}
	return apperr.New(kind, body.Error)
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return apperr.KindValidation
	case http.StatusUnauthorized:
		return apperr.KindUnauthenticated
	case http.StatusForbidden:
		return apperr.KindForbidden
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	default:
		return apperr.KindInternal
	}
}

// read retries a read request on transport failures with exponential
// backoff.
func (h *HTTPClient) read(ctx context.Context, req request, out any) error {
	attempts := h.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := h.retry.InitialDelay

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * h.retry.BackoffFactor)
				if h.retry.MaxDelay > 0 && delay > h.retry.MaxDelay {
					delay = h.retry.MaxDelay
				}
			}
		}

		lastErr = h.do(ctx, req, out)
		if lastErr == nil || !apperr.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func jsonRequest(method, path string, v any) (request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return request{}, apperr.Internal("encode request", err)
	}
	return request{method: method, path: path, body: body, contentType: "application/json"}, nil
}

// ---------------------------------------------
// Session API
// ---------------------------------------------

func (h *HTTPClient) Messages(ctx context.Context, roomID int64, q chat.PageQuery) (*chat.Page, error) {
	params := url.Values{}
	if q.BeforeID > 0 {
		params.Set("before", strconv.FormatInt(q.BeforeID, 10))
	} else if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Size > 0 {
		params.Set("per_page", strconv.Itoa(q.Size))
	}
	path := fmt.Sprintf("/chat/rooms/%d/messages", roomID)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page chat.Page
	if err := h.read(ctx, request{method: http.MethodGet, path: path}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage posts d as a multipart form, the same shape browsers use.
func (h *HTTPClient) SendMessage(ctx context.Context, roomID int64, d Draft) (*chat.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("message", d.Body)
	if d.ClientID != "" {
		mw.WriteField("client_id", d.ClientID)
	}
	if d.ReplyToID != nil {
		mw.WriteField("reply_to_message_id", strconv.FormatInt(*d.ReplyToID, 10))
	}
	for _, u := range d.Attachments {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments[]"; filename=%q`, u.Name))
		contentType := u.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, apperr.Internal("encode attachment", err)
		}
		if _, err := part.Write(u.Data); err != nil {
			return nil, apperr.Internal("encode attachment", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, apperr.Internal("encode message", err)
	}

	var out chat.MessagePayload
	err := h.do(ctx, request{
		method:      http.MethodPost,
		path:        fmt.Sprintf("/chat/rooms/%d/messages", roomID),
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, apperr.Transport("empty message response", nil)
	}
	return out.Message, nil
}

func (h *HTTPClient) MarkAsRead(ctx context.Context, roomID int64) error {
	return h.do(ctx, request{method: http.MethodPost, path: fmt.Sprintf("/chat/rooms/%d/mark-as-read", roomID)}, nil)
}

func (h *HTTPClient) SetTyping(ctx context.Context, roomID int64, isTyping bool) error {
	req, err := jsonRequest(http.MethodPost, fmt.Sprintf("/chat/rooms/%d/typing", roomID), map[string]bool{"is_typing": isTyping})
	if err != nil {
		return err
	}
	return h.do(ctx, req, nil)
}

// ---------------------------------------------
// Rooms and accounts
// ---------------------------------------------

type LoginResult struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
}

func (h *HTTPClient) Register(ctx context.Context, username, password string) error {
	req, err := jsonRequest(http.MethodPost, "/register", map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	return h.do(ctx, req, nil)
}

// Login authenticates and keeps the returned token for later requests.
func (h *HTTPClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	req, err := jsonRequest(http.MethodPost, "/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	var out LoginResult
	if err := h.do(ctx, req, &out); err != nil {
		return nil, err
	}
	h.token = out.AccessToken
	return &out, nil
}

func (h *HTTPClient) ListRooms(ctx context.Context) ([]chat.RoomListing, error) {
	var out struct {
		Rooms []chat.RoomListing `json:"rooms"`
	}
	if err := h.read(ctx, request{method: http.MethodGet, path: "/chat/rooms"}, &out); err != nil {
		return nil, err
	}
	return out.Rooms, nil
}

func (h *HTTPClient) CreateRoom(ctx context.Context, name string, kind chat.RoomKind, memberIDs []int64) (*chat.Room, error) {
	req, err := jsonRequest(http.MethodPost, "/chat/rooms", map[string]any{
		"name":    name,
		"type":    kind,
		"members": memberIDs,
	})
	if err != nil {
		return nil, err
	}
	var out chat.RoomPayload
	if err := h.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Room, nil
}

func (h *HTTPClient) CreateDirectChat(ctx context.Context, userID int64) (*chat.Room, error) {
	req, err := jsonRequest(http.MethodPost, "/chat/direct-chat", map[string]int64{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var out chat.RoomPayload
	if err := h.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Room, nil
}

func (h *HTTPClient) Join(ctx context.Context, roomID int64) error {
	return h.do(ctx, request{method: http.MethodPost, path: fmt.Sprintf("/chat/rooms/%d/join", roomID)}, nil)
}
