package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/keys"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/repository"
	"github.com/resellerhub/backend/internal/services"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- MessageStore mock ---

type memMessages struct {
	support []*models.SupportMessage
	private []*models.PrivateMessage
}

func (m *memMessages) CreateSupport(_ context.Context, msg *models.SupportMessage) error {
	m.support = append(m.support, msg)
	return nil
}

func (m *memMessages) ListSupport(_ context.Context, userID uuid.UUID, _ int) ([]*models.SupportMessage, error) {
	var out []*models.SupportMessage
	for _, s := range m.support {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memMessages) CreatePrivate(_ context.Context, msg *models.PrivateMessage) error {
	m.private = append(m.private, msg)
	return nil
}

func (m *memMessages) ListPrivate(_ context.Context, recipientID uuid.UUID, _ int) ([]*models.PrivateMessage, error) {
	var out []*models.PrivateMessage
	for _, p := range m.private {
		if p.RecipientID == recipientID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memMessages) MarkRead(_ context.Context, messageID, userID uuid.UUID) error {
	for _, p := range m.private {
		if p.ID == messageID && p.RecipientID == userID {
			p.Read = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memMessages) UnreadCount(_ context.Context, userID uuid.UUID) (int, error) {
	n := 0
	for _, p := range m.private {
		if p.RecipientID == userID && !p.Read {
			n++
		}
	}
	return n, nil
}

// --- EventPublisher mock ---

type recordEvents struct{ events []feed.Event }

func (r *recordEvents) Publish(_ context.Context, ev feed.Event) error {
	r.events = append(r.events, ev)
	return nil
}

// --- RequestStore mock ---

type memRequests struct{ rows []*models.UserRequest }

func (m *memRequests) Create(_ context.Context, q *models.UserRequest) error {
	m.rows = append(m.rows, q)
	return nil
}

func (m *memRequests) ListByUserID(_ context.Context, userID uuid.UUID) ([]*models.UserRequest, error) {
	var out []*models.UserRequest
	for _, q := range m.rows {
		if q.UserID == userID {
			out = append(out, q)
		}
	}
	return out, nil
}

// --- KeyAccess mock ---

type fakeKeys struct {
	owner   map[string]uuid.UUID
	deleted []string
}

func (f *fakeKeys) Owned(_ context.Context, actor keys.Actor, code string) (*models.Key, error) {
	owner, ok := f.owner[code]
	if !ok || owner != actor.UserID {
		return nil, keys.ErrKeyNotFound
	}
	k := &models.Key{KeyCode: code, UserID: owner, Status: models.KeyStatusActive}
	for _, d := range f.deleted {
		if d == code {
			k.Status = models.KeyStatusDeleted
		}
	}
	return k, nil
}

func (f *fakeKeys) MarkDeleted(ctx context.Context, actor keys.Actor, code string) error {
	if _, err := f.Owned(ctx, actor, code); err != nil {
		return err
	}
	f.deleted = append(f.deleted, code)
	return nil
}

// --- Storage mock ---

type fakeStorage struct {
	bucket, path, contentType string
	body                      []byte
	fail                      bool
}

func (f *fakeStorage) Upload(_ context.Context, bucket, path string, data io.Reader, contentType string) error {
	if f.fail {
		return errors.New("storage down")
	}
	f.bucket, f.path, f.contentType = bucket, path, contentType
	f.body, _ = io.ReadAll(data)
	return nil
}

func (f *fakeStorage) GetPublicURL(bucket, path string) string {
	return "https://cdn.test/" + bucket + "/" + path
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testProfile() *models.Profile {
	return &models.Profile{ID: uuid.New(), Username: "reseller", ApprovalStatus: models.ApprovalApproved, Roles: []string{models.RoleUser}}
}

func asUser(r *http.Request, p *models.Profile) *http.Request {
	return r.WithContext(middleware.WithProfile(r.Context(), p))
}

func jsonReq(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func TestPostSupport_StoresAndPublishes(t *testing.T) {
	store := &memMessages{}
	events := &recordEvents{}
	h := &MessageHandler{Messages: store, Events: events, Logger: slog.Default()}
	p := testProfile()

	rec := httptest.NewRecorder()
	h.PostSupport(rec, asUser(jsonReq(http.MethodPost, "/api/v1/support/messages", `{"message":"  my key stopped  "}`), p))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.support) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(store.support))
	}
	got := store.support[0]
	if got.Message != "my key stopped" || got.IsAdmin || got.UserID != p.ID || got.SenderID != p.ID {
		t.Errorf("unexpected stored message: %+v", got)
	}
	if len(events.events) != 1 || events.events[0].Table != "support_messages" || events.events[0].UserID != p.ID {
		t.Errorf("unexpected events: %+v", events.events)
	}
}

func TestPostSupport_EmptyRejected(t *testing.T) {
	store := &memMessages{}
	h := &MessageHandler{Messages: store, Logger: slog.Default()}

	rec := httptest.NewRecorder()
	h.PostSupport(rec, asUser(jsonReq(http.MethodPost, "/", `{"message":"   "}`), testProfile()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(store.support) != 0 {
		t.Error("nothing should be stored")
	}
}

func TestPostSupport_AttachmentOnly(t *testing.T) {
	store := &memMessages{}
	h := &MessageHandler{Messages: store, Logger: slog.Default()}

	rec := httptest.NewRecorder()
	h.PostSupport(rec, asUser(jsonReq(http.MethodPost, "/", `{"message":"","image_url":"https://cdn.test/a.png"}`), testProfile()))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostSupport_Unauthenticated(t *testing.T) {
	h := &MessageHandler{Messages: &memMessages{}, Logger: slog.Default()}
	rec := httptest.NewRecorder()
	h.PostSupport(rec, jsonReq(http.MethodPost, "/", `{"message":"hi"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListSupport_OnlyOwnThread(t *testing.T) {
	p := testProfile()
	other := uuid.New()
	store := &memMessages{support: []*models.SupportMessage{
		{ID: uuid.New(), UserID: p.ID, Message: "mine"},
		{ID: uuid.New(), UserID: other, Message: "theirs"},
	}}
	h := &MessageHandler{Messages: store, Logger: slog.Default()}

	rec := httptest.NewRecorder()
	h.ListSupport(rec, asUser(httptest.NewRequest(http.MethodGet, "/", nil), p))

	var list []models.SupportMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Message != "mine" {
		t.Errorf("unexpected thread: %+v", list)
	}
}

func TestMarkRead_AndUnreadCount(t *testing.T) {
	p := testProfile()
	msgID := uuid.New()
	store := &memMessages{private: []*models.PrivateMessage{
		{ID: msgID, RecipientID: p.ID, SenderName: "Support", Message: "hello"},
		{ID: uuid.New(), RecipientID: p.ID, SenderName: "Support", Message: "again"},
	}}
	h := &MessageHandler{Messages: store, Logger: slog.Default()}

	r := chi.NewRouter()
	r.Post("/messages/{id}/read", h.MarkRead)
	r.Get("/messages/unread-count", h.UnreadCount)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodPost, "/messages/"+msgID.String()+"/read", nil), p))
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/messages/unread-count", nil), p))
	var body map[string]int
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["unread"] != 1 {
		t.Errorf("expected 1 unread, got %d", body["unread"])
	}
}

func TestMarkRead_OtherUsersMessage(t *testing.T) {
	p := testProfile()
	msgID := uuid.New()
	store := &memMessages{private: []*models.PrivateMessage{{ID: msgID, RecipientID: uuid.New()}}}
	h := &MessageHandler{Messages: store, Logger: slog.Default()}

	r := chi.NewRouter()
	r.Post("/messages/{id}/read", h.MarkRead)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodPost, "/messages/"+msgID.String()+"/read", nil), p))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if store.private[0].Read {
		t.Error("message must stay unread")
	}
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func newRequestHandler(t *testing.T, owner uuid.UUID) (*RequestHandler, *memRequests, *fakeKeys) {
	t.Helper()
	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	reqs := &memRequests{}
	fk := &fakeKeys{owner: map[string]uuid.UUID{"KEY-1": owner}}
	return &RequestHandler{Requests: reqs, Keys: fk, Validator: v, Events: &recordEvents{}, Logger: slog.Default()}, reqs, fk
}

func TestCreateRequest_ResetKey(t *testing.T) {
	p := testProfile()
	h, reqs, fk := newRequestHandler(t, p.ID)

	rec := httptest.NewRecorder()
	h.Create(rec, asUser(jsonReq(http.MethodPost, "/", `{"request_type":"reset_key","key_code":"KEY-1"}`), p))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(reqs.rows) != 1 || reqs.rows[0].Status != models.RequestStatusPending {
		t.Fatalf("unexpected rows: %+v", reqs.rows)
	}
	if len(fk.deleted) != 0 {
		t.Error("reset request must not retire the key")
	}
}

func TestCreateRequest_DeleteKeyRetiresKey(t *testing.T) {
	p := testProfile()
	h, reqs, fk := newRequestHandler(t, p.ID)

	rec := httptest.NewRecorder()
	h.Create(rec, asUser(jsonReq(http.MethodPost, "/", `{"request_type":"delete_key","key_code":"KEY-1"}`), p))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(reqs.rows) != 1 {
		t.Fatal("request not stored")
	}
	if len(fk.deleted) != 1 || fk.deleted[0] != "KEY-1" {
		t.Errorf("expected KEY-1 retired, got %v", fk.deleted)
	}
}

func TestCreateRequest_DeleteKeyTwiceConflicts(t *testing.T) {
	p := testProfile()
	h, reqs, fk := newRequestHandler(t, p.ID)
	body := `{"request_type":"delete_key","key_code":"KEY-1"}`

	h.Create(httptest.NewRecorder(), asUser(jsonReq(http.MethodPost, "/", body), p))
	rec := httptest.NewRecorder()
	h.Create(rec, asUser(jsonReq(http.MethodPost, "/", body), p))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(reqs.rows) != 1 || len(fk.deleted) != 1 {
		t.Errorf("second request stored or key retired twice: rows=%d deleted=%v", len(reqs.rows), fk.deleted)
	}
}

func TestCreateRequest_NotOwner(t *testing.T) {
	p := testProfile()
	h, reqs, _ := newRequestHandler(t, uuid.New())

	rec := httptest.NewRecorder()
	h.Create(rec, asUser(jsonReq(http.MethodPost, "/", `{"request_type":"reset_key","key_code":"KEY-1"}`), p))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(reqs.rows) != 0 {
		t.Error("request must not be stored")
	}
}

func TestCreateRequest_SchemaViolations(t *testing.T) {
	p := testProfile()
	h, reqs, _ := newRequestHandler(t, p.ID)

	cases := map[string]string{
		"unknown type":         `{"request_type":"refund"}`,
		"ban without udid":     `{"request_type":"ban_udid","key_code":"KEY-1"}`,
		"other without detail": `{"request_type":"other"}`,
		"extra field":          `{"request_type":"other","details":"x","credits":5}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Create(rec, asUser(jsonReq(http.MethodPost, "/", body), p))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if decodeError(t, rec)["kind"] != "invalid" {
				t.Errorf("unexpected error body: %s", rec.Body.String())
			}
		})
	}
	if len(reqs.rows) != 0 {
		t.Errorf("no request should be stored, got %d", len(reqs.rows))
	}
}

func TestListRequests_OwnOnly(t *testing.T) {
	p := testProfile()
	h, reqs, _ := newRequestHandler(t, p.ID)
	reqs.rows = []*models.UserRequest{
		{ID: uuid.New(), UserID: p.ID, RequestType: models.RequestTypeOther},
		{ID: uuid.New(), UserID: uuid.New(), RequestType: models.RequestTypeOther},
	}

	rec := httptest.NewRecorder()
	h.List(rec, asUser(httptest.NewRequest(http.MethodGet, "/", nil), p))

	var list []models.UserRequest
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].UserID != p.ID {
		t.Errorf("unexpected list: %+v", list)
	}
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

func multipartUpload(t *testing.T, filename, contentType string, size int) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(bytes.Repeat([]byte{'x'}, size))
	_ = mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/media", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func newMediaHandler(st *fakeStorage) *MediaHandler {
	return &MediaHandler{Storage: st, ImageBucket: "chat-images", VideoBucket: "chat-videos", Logger: slog.Default()}
}

func TestUpload_Image(t *testing.T) {
	st := &fakeStorage{}
	p := testProfile()

	rec := httptest.NewRecorder()
	newMediaHandler(st).Upload(rec, asUser(multipartUpload(t, "Shot.PNG", "image/png", 1024), p))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if st.bucket != "chat-images" || st.contentType != "image/png" || len(st.body) != 1024 {
		t.Errorf("unexpected upload: bucket=%s type=%s size=%d", st.bucket, st.contentType, len(st.body))
	}
	if !strings.HasPrefix(st.path, p.ID.String()+"/") || !strings.HasSuffix(st.path, ".png") {
		t.Errorf("unexpected object path %q", st.path)
	}
	var body mediaResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Kind != "image" || body.URL != "https://cdn.test/chat-images/"+st.path {
		t.Errorf("unexpected response: %+v", body)
	}
}

func TestUpload_VideoBucket(t *testing.T) {
	st := &fakeStorage{}
	rec := httptest.NewRecorder()
	newMediaHandler(st).Upload(rec, asUser(multipartUpload(t, "clip.mp4", "video/mp4", 2048), testProfile()))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if st.bucket != "chat-videos" {
		t.Errorf("expected video bucket, got %s", st.bucket)
	}
}

func TestUpload_ImageTooLarge(t *testing.T) {
	st := &fakeStorage{}
	rec := httptest.NewRecorder()
	newMediaHandler(st).Upload(rec, asUser(multipartUpload(t, "big.jpg", "image/jpeg", MaxImageBytes+1), testProfile()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if st.bucket != "" {
		t.Error("oversized image must not be uploaded")
	}
}

func TestUpload_RejectsOtherTypes(t *testing.T) {
	rec := httptest.NewRecorder()
	newMediaHandler(&fakeStorage{}).Upload(rec, asUser(multipartUpload(t, "a.pdf", "application/pdf", 10), testProfile()))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpload_StorageFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	newMediaHandler(&fakeStorage{fail: true}).Upload(rec, asUser(multipartUpload(t, "a.png", "image/png", 10), testProfile()))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
