package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/attachment"
	"taskboard/auth"
	"taskboard/blobs"
	"taskboard/domain"
	"taskboard/form"
	"taskboard/storage"
)

type mockStore struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	saved    []domain.Task
	saveErr  error
	fetchErr error
}

func newMockStore(tasks ...domain.Task) *mockStore {
	m := &mockStore{tasks: make(map[string]domain.Task)}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *mockStore) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockStore) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, storage.ErrTaskNotFound
	}
	return t, nil
}

func (m *mockStore) SaveTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return domain.Task{}, m.saveErr
	}
	m.saved = append(m.saved, t)
	if t.Attachment != nil {
		d := attachment.Encode(*t.Attachment)
		t.AttachmentData = &d
		t.Attachment = nil
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *mockStore) Saved() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Task(nil), m.saved...)
}

type mockSessions map[string]*auth.Session

func (m mockSessions) Get(ctx context.Context, token string) (*auth.Session, error) {
	return m[token], nil
}

type mockVerifier struct{}

func (mockVerifier) IdentityFromHeader(h string) (domain.Identity, error) {
	if h != "Bearer good.id.token" {
		return domain.Identity{}, auth.ErrBadCredential
	}
	return domain.Identity{UserID: "user"}, nil
}

type mockProvider struct {
	signedOut []string
}

func (p *mockProvider) SignIn(ctx context.Context, credential string) (*auth.Session, error) {
	if credential != "good" {
		return nil, errors.New("invalid credential")
	}
	return &auth.Session{Token: "new-token", Identity: domain.Identity{UserID: "user"}, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *mockProvider) SignOut(ctx context.Context, token string) error {
	p.signedOut = append(p.signedOut, token)
	return nil
}

type testEnv struct {
	e        *echo.Echo
	srv      *Server
	store    *mockStore
	pub      *recordingPublisher
	provider *mockProvider
	hook     *test.Hook
	deduper  *RedisDeduper
	blobs    *blobs.Registry
}

const sessionToken = "tok"

func newTestEnv(t *testing.T, tasks ...domain.Task) *testEnv {
	t.Helper()
	logger, hook := test.NewNullLogger()
	_, client := newTestRedis(t)

	env := &testEnv{
		e:        echo.New(),
		store:    newMockStore(tasks...),
		pub:      &recordingPublisher{},
		provider: &mockProvider{},
		hook:     hook,
		deduper:  NewRedisDeduper(client, time.Minute),
		blobs:    blobs.NewRegistry(time.Minute),
	}
	t.Cleanup(env.blobs.Close)

	sessions := mockSessions{sessionToken: {Token: sessionToken, Identity: domain.Identity{UserID: "user", DisplayName: "Ada"}}}
	env.srv = Register(env.e, Deps{
		Store:    env.store,
		Events:   env.pub,
		Deduper:  env.deduper,
		Auth:     auth.NewAdapter(env.provider, logger),
		Sessions: sessions,
		Verifier: mockVerifier{},
		Blobs:    env.blobs,
		Log:      logger,
		Pool:     PoolConfig{Workers: 1, Buffer: 8, EnqueueTimeout: time.Second},
		ClientID: "client-id",
	})
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func signedIn(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: sessionToken})
	return req
}

type testFile struct {
	name, contentType string
	data              []byte
}

func multipartRequest(t *testing.T, target string, fields map[string]string, file *testFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="attachment"; filename="`+file.name+`"`)
		h.Set("Content-Type", file.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body.Bytes()))
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func existingTask() domain.Task {
	return domain.Task{
		ID:          "1",
		Title:       "Old",
		Description: "<p>hi</p>",
		Date:        "2024-01-01",
		Status:      domain.StatusToDo,
		Category:    domain.CategoryWork,
	}
}

func saveFields(key string) map[string]string {
	return map[string]string{
		"idempotencyKey": key,
		"title":          "Updated",
		"date":           "2024-02-02",
		"status":         "Completed",
		"category":       "Personal",
		"description":    "<p><strong>done</strong></p>",
		"action":         "save",
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIndexSignedOutShowsLogin(t *testing.T) {
	env := newTestEnv(t, existingTask())
	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Login with Google") || strings.Contains(body, "Old") {
		t.Fatalf("unexpected signed-out page: %s", body)
	}
	if !strings.Contains(body, `data-client_id="client-id"`) {
		t.Fatalf("expected client id in login widget")
	}
}

func TestIndexSignedInListsTasks(t *testing.T) {
	env := newTestEnv(t, existingTask())
	rec := env.do(signedIn(httptest.NewRequest(http.MethodGet, "/", nil)))

	body := rec.Body.String()
	if !strings.Contains(body, "Welcome, Ada") || !strings.Contains(body, `href="/tasks/1/edit"`) {
		t.Fatalf("unexpected signed-in page: %s", body)
	}
}

func TestIndexStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.fetchErr = errors.New("table down")
	rec := env.do(signedIn(httptest.NewRequest(http.MethodGet, "/", nil)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestUnknownSessionCookieIsCleared(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: "expired"})
	rec := env.do(req)

	if !strings.Contains(rec.Body.String(), "Login with Google") {
		t.Fatalf("expected signed-out page")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.CookieName || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected cookie to be cleared, got %+v", cookies)
	}
}

func TestSignInSetsCookie(t *testing.T) {
	env := newTestEnv(t)
	values := url.Values{"credential": {"good"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(values.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := env.do(req)

	if rec.Code != http.StatusSeeOther || rec.Header().Get(echo.HeaderLocation) != "/" {
		t.Fatalf("expected redirect home, got %d %q", rec.Code, rec.Header().Get(echo.HeaderLocation))
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != "new-token" || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
}

func TestSignInFailureLeavesSessionUnchanged(t *testing.T) {
	env := newTestEnv(t)
	values := url.Values{"credential": {"bad"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/signin", strings.NewReader(values.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := env.do(req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("no cookie expected on failed sign-in")
	}
	found := false
	for _, entry := range env.hook.AllEntries() {
		if entry.Message == "login failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected login failure to be logged")
	}
}

func TestSignOutClearsCookie(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(signedIn(httptest.NewRequest(http.MethodPost, "/auth/signout", nil)))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if len(env.provider.signedOut) != 1 || env.provider.signedOut[0] != sessionToken {
		t.Fatalf("expected provider sign-out, got %v", env.provider.signedOut)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %+v", cookies)
	}
}

func TestNewTaskPage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/tasks/new", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect without session, got %d", rec.Code)
	}

	rec = env.do(signedIn(httptest.NewRequest(http.MethodGet, "/tasks/new", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<option value="To-Do" selected>`) || !strings.Contains(body, `name="idempotencyKey"`) {
		t.Fatalf("unexpected new task page: %s", body)
	}
}

func TestEditTaskPage(t *testing.T) {
	env := newTestEnv(t, existingTask())

	rec := env.do(signedIn(httptest.NewRequest(http.MethodGet, "/tasks/1/edit", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `value="Old"`) || !strings.Contains(rec.Body.String(), "2/300 characters") {
		t.Fatalf("unexpected edit page: %s", rec.Body.String())
	}

	rec = env.do(signedIn(httptest.NewRequest(http.MethodGet, "/tasks/missing/edit", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitUpdatesTaskAndPublishesEvent(t *testing.T) {
	env := newTestEnv(t, existingTask())

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", saveFields("k1"), nil)))
	if rec.Code != http.StatusSeeOther || rec.Header().Get(echo.HeaderLocation) != "/" {
		t.Fatalf("expected redirect home, got %d: %s", rec.Code, rec.Body.String())
	}

	saved := env.store.Saved()
	if len(saved) != 1 {
		t.Fatalf("expected one save, got %d", len(saved))
	}
	want := domain.Task{
		ID:          "1",
		Title:       "Updated",
		Description: "<p><strong>done</strong></p>",
		Date:        "2024-02-02",
		Status:      domain.StatusCompleted,
		Category:    domain.CategoryPersonal,
	}
	if saved[0].ID != want.ID || saved[0].Title != want.Title || saved[0].Description != want.Description ||
		saved[0].Date != want.Date || saved[0].Status != want.Status || saved[0].Category != want.Category || saved[0].Attachment != nil {
		t.Fatalf("unexpected saved task: %+v", saved[0])
	}

	env.srv.Close()
	events := env.pub.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != domain.TaskUpdated || ev.EntityID != "1" || ev.UserID != "user" || ev.Timestamp == 0 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	var data domain.TaskEventData
	if err := sonic.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data.Title != "Updated" || data.Status != domain.StatusCompleted {
		t.Fatalf("unexpected event data: %+v", data)
	}
}

func TestSubmitCreatesNewTask(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(signedIn(multipartRequest(t, "/tasks/fresh", saveFields("k1"), nil)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	env.srv.Close()
	events := env.pub.published()
	if len(events) != 1 || events[0].Type != domain.TaskCreated || events[0].EntityID != "fresh" {
		t.Fatalf("expected task-created event, got %+v", events)
	}
}

func TestSubmitStoresAttachment(t *testing.T) {
	env := newTestEnv(t, existingTask())
	file := &testFile{name: "notes.txt", contentType: "text/plain", data: []byte("hello")}

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", saveFields("k1"), file)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	saved := env.store.Saved()
	if len(saved) != 1 || saved[0].Attachment == nil {
		t.Fatalf("expected attachment to be saved, got %+v", saved)
	}
	got := *saved[0].Attachment
	if got.Name != "notes.txt" || got.Type != "text/plain" || string(got.Data) != "hello" {
		t.Fatalf("unexpected attachment: %+v", got)
	}
}

func TestSubmitRejectsOversizedAttachment(t *testing.T) {
	env := newTestEnv(t, existingTask())
	file := &testFile{name: "big.bin", contentType: "application/octet-stream", data: make([]byte, domain.MaxAttachmentSize+1)}

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", saveFields("k1"), file)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), form.MsgAttachmentTooLarge) {
		t.Fatalf("expected alert text in page")
	}
	if len(env.store.Saved()) != 0 {
		t.Fatalf("nothing must be saved")
	}
}

func TestSubmitRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t, existingTask())
	file := &testFile{name: "huge.bin", contentType: "application/octet-stream", data: make([]byte, maxSubmitSize)}

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", saveFields("k1"), file)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, form.MsgAttachmentTooLarge) {
		t.Fatalf("expected alert text in page")
	}
	if !strings.Contains(body, `name="title" required value="Updated"`) || !strings.Contains(body, `name="idempotencyKey" value="k1"`) {
		t.Fatalf("expected typed fields to survive the rejection: %s", body)
	}
	if !strings.Contains(body, `<option value="Completed" selected>`) {
		t.Fatalf("expected posted status to survive the rejection")
	}
	if len(env.store.Saved()) != 0 {
		t.Fatalf("nothing must be saved")
	}
}

func TestSubmitAcceptsAttachmentAtCap(t *testing.T) {
	env := newTestEnv(t, existingTask())
	file := &testFile{name: "cap.bin", contentType: "application/octet-stream", data: make([]byte, domain.MaxAttachmentSize)}

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", saveFields("k1"), file)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	saved := env.store.Saved()
	if len(saved) != 1 || saved[0].Attachment.Size() != domain.MaxAttachmentSize {
		t.Fatalf("expected attachment at cap to be saved")
	}
}

func TestSubmitDuplicateKeySavesOnce(t *testing.T) {
	env := newTestEnv(t, existingTask())

	for i := 0; i < 2; i++ {
		rec := env.do(signedIn(multipartRequest(t, "/tasks/1", saveFields("same-key"), nil)))
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("attempt %d: expected redirect, got %d", i, rec.Code)
		}
	}
	if got := len(env.store.Saved()); got != 1 {
		t.Fatalf("expected one save, got %d", got)
	}
}

func TestSubmitSaveFailureRollsBackKey(t *testing.T) {
	env := newTestEnv(t, existingTask())
	env.store.saveErr = errors.New("table down")

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", saveFields("retry-key"), nil)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	added, err := env.deduper.Add(context.Background(), "user", "retry-key")
	if err != nil {
		t.Fatalf("dedupe add: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be released after failed save")
	}
	env.srv.Close()
	if len(env.pub.published()) != 0 {
		t.Fatalf("no event expected after failed save")
	}
}

func TestSubmitCancelDoesNotSave(t *testing.T) {
	env := newTestEnv(t, existingTask())
	fields := saveFields("k1")
	fields["action"] = "cancel"

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if len(env.store.Saved()) != 0 {
		t.Fatalf("cancel must not save")
	}
}

func TestSubmitFormatCommandRerendersForm(t *testing.T) {
	env := newTestEnv(t, existingTask())
	fields := saveFields("k1")
	delete(fields, "action")
	fields["description"] = "<p>item</p>"
	fields["command"] = "bulletList"

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `value="bulletList" class="active" aria-pressed="true"`) {
		t.Fatalf("expected bullet list to be active: %s", body)
	}
	if !strings.Contains(body, `name="idempotencyKey" value="k1"`) {
		t.Fatalf("expected idempotency key to be kept")
	}
	if len(env.store.Saved()) != 0 {
		t.Fatalf("formatting must not save")
	}
}

func TestSubmitBoldWithoutSelectionMarksDescription(t *testing.T) {
	env := newTestEnv(t, existingTask())
	fields := saveFields("k1")
	delete(fields, "action")
	fields["description"] = "<p>item</p>"
	fields["command"] = "bold"

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<div class="editor-preview"><p><strong>item</strong></p></div>`) {
		t.Fatalf("expected bold description in preview: %s", body)
	}
	if !strings.Contains(body, "&lt;p&gt;&lt;strong&gt;item&lt;/strong&gt;&lt;/p&gt;") {
		t.Fatalf("expected bold markup in textarea: %s", body)
	}
	if !strings.Contains(body, `value="bold" class="active" aria-pressed="true"`) {
		t.Fatalf("expected bold to be active: %s", body)
	}
}

func TestSubmitBoldAppliesPostedSelection(t *testing.T) {
	env := newTestEnv(t, existingTask())
	fields := saveFields("k1")
	delete(fields, "action")
	fields["description"] = "<p>item</p>"
	fields["command"] = "bold"
	fields["selFrom"] = "0"
	fields["selTo"] = "2"

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<p><strong>it</strong>em</p>`) {
		t.Fatalf("expected only the selection to be bold: %s", body)
	}
	if !strings.Contains(body, `name="selFrom" value="0"`) || !strings.Contains(body, `name="selTo" value="2"`) {
		t.Fatalf("expected selection to be echoed: %s", body)
	}
}

func TestSubmitUnknownCommand(t *testing.T) {
	env := newTestEnv(t, existingTask())
	fields := saveFields("k1")
	fields["command"] = "underline"

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitClampsDescription(t *testing.T) {
	env := newTestEnv(t, existingTask())
	fields := saveFields("k1")
	fields["description"] = "<p>" + strings.Repeat("x", 400) + "</p>"

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	saved := env.store.Saved()
	if len(saved) != 1 || saved[0].Description != "<p>"+strings.Repeat("x", 300)+"</p>" {
		t.Fatalf("expected clamped description, got %+v", saved)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, existingTask())

	rec := env.do(multipartRequest(t, "/tasks/1", saveFields("k1"), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}

	fields := saveFields("k2")
	fields["status"] = "Done"
	rec = env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", rec.Code)
	}

	fields = saveFields("k3")
	fields["title"] = ""
	rec = env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), msgRequiredFields) {
		t.Fatalf("expected 400 for missing title, got %d", rec.Code)
	}
	if len(env.store.Saved()) != 0 {
		t.Fatalf("invalid posts must not save")
	}
}

func TestSubmitAcceptsWhitespaceTitle(t *testing.T) {
	env := newTestEnv(t, existingTask())
	fields := saveFields("k1")
	fields["title"] = "  "

	rec := env.do(signedIn(multipartRequest(t, "/tasks/1", fields, nil)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected a title the browser accepts to save, got %d: %s", rec.Code, rec.Body.String())
	}
	if saved := env.store.Saved(); len(saved) != 1 || saved[0].Title != "  " {
		t.Fatalf("expected title to be stored as typed, got %+v", saved)
	}
}

func TestSubmitGzipURLEncoded(t *testing.T) {
	env := newTestEnv(t, existingTask())
	values := url.Values{}
	for k, v := range saveFields("gz") {
		values.Set(k, v)
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(gw, values.Encode()); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/tasks/1", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")

	rec := env.do(signedIn(req))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	if saved := env.store.Saved(); len(saved) != 1 || saved[0].Title != "Updated" {
		t.Fatalf("expected gzip post to be saved, got %+v", saved)
	}
}

func TestInvalidGzipRejected(t *testing.T) {
	env := newTestEnv(t, existingTask())
	req := httptest.NewRequest(http.MethodPost, "/tasks/1", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")

	rec := env.do(signedIn(req))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestViewAttachmentServesImageInline(t *testing.T) {
	task := existingTask()
	d := attachment.Encode(domain.File{Name: "p.png", Type: "image/png", Data: []byte{1, 2, 3}})
	task.AttachmentData = &d
	env := newTestEnv(t, task)

	rec := env.do(signedIn(httptest.NewRequest(http.MethodGet, "/tasks/1/attachment", nil)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	location := rec.Header().Get(echo.HeaderLocation)
	if !strings.HasPrefix(location, "/blobs/") {
		t.Fatalf("unexpected location: %s", location)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, location, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected blob, got %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Fatalf("unexpected content type: %s", rec.Header().Get(echo.HeaderContentType))
	}
	if rec.Header().Get(echo.HeaderContentDisposition) != "inline; filename=p.png" {
		t.Fatalf("unexpected disposition: %s", rec.Header().Get(echo.HeaderContentDisposition))
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("unexpected body: %v", rec.Body.Bytes())
	}
}

func TestViewAttachmentDownloadsOtherTypes(t *testing.T) {
	task := existingTask()
	d := attachment.Encode(domain.File{Name: "r.pdf", Type: "application/pdf", Data: []byte("%PDF")})
	task.AttachmentData = &d
	env := newTestEnv(t, task)

	rec := env.do(signedIn(httptest.NewRequest(http.MethodGet, "/tasks/1/attachment", nil)))
	rec = env.do(httptest.NewRequest(http.MethodGet, rec.Header().Get(echo.HeaderLocation), nil))
	if rec.Header().Get(echo.HeaderContentDisposition) != "attachment; filename=r.pdf" {
		t.Fatalf("unexpected disposition: %s", rec.Header().Get(echo.HeaderContentDisposition))
	}
}

func TestViewAttachmentErrors(t *testing.T) {
	broken := existingTask()
	broken.ID = "broken"
	broken.AttachmentData = &domain.AttachmentDescriptor{Data: "data:image/png;base64,!!", Type: "image/png", Name: "x.png"}
	env := newTestEnv(t, existingTask(), broken)

	tests := []struct {
		name    string
		target  string
		session bool
		want    int
	}{
		{name: "no session", target: "/tasks/1/attachment", want: http.StatusUnauthorized},
		{name: "no attachment", target: "/tasks/1/attachment", session: true, want: http.StatusNotFound},
		{name: "missing task", target: "/tasks/nope/attachment", session: true, want: http.StatusNotFound},
		{name: "corrupt", target: "/tasks/broken/attachment", session: true, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.session {
				signedIn(req)
			}
			if rec := env.do(req); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
	if env.blobs.Len() != 0 {
		t.Fatalf("no references should be live")
	}
}

func TestBlobExpired(t *testing.T) {
	env := newTestEnv(t)
	ref := env.blobs.Acquire(blobs.Object{Data: []byte("x")})
	env.blobs.Release(ref.Handle)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/blobs/"+ref.Handle, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAPITasks(t *testing.T) {
	env := newTestEnv(t, existingTask())

	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{name: "cookie", req: func() *http.Request {
			return signedIn(httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
		}, want: http.StatusOK},
		{name: "bearer", req: func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			r.Header.Set(echo.HeaderAuthorization, "Bearer good.id.token")
			return r
		}, want: http.StatusOK},
		{name: "bad bearer", req: func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			r.Header.Set(echo.HeaderAuthorization, "Bearer bad")
			return r
		}, want: http.StatusUnauthorized},
		{name: "anonymous", req: func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		}, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.req())
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want != http.StatusOK {
				return
			}
			var resp tasksResponse
			if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "1" || resp.Tasks[0].Status != domain.StatusToDo {
				t.Fatalf("unexpected tasks: %+v", resp.Tasks)
			}
		})
	}
}

func TestAPITasksEmptyListEncodesArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(signedIn(httptest.NewRequest(http.MethodGet, "/api/tasks", nil)))
	if strings.TrimSpace(rec.Body.String()) != `{"tasks":[]}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestAPIGetTask(t *testing.T) {
	task := existingTask()
	d := attachment.Encode(domain.File{Name: "a.txt", Type: "text/plain", Data: []byte("a")})
	task.AttachmentData = &d
	env := newTestEnv(t, task)

	rec := env.do(signedIn(httptest.NewRequest(http.MethodGet, "/api/tasks/1", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Title != "Old" || got.AttachmentData == nil || got.AttachmentData.Data != d.Data {
		t.Fatalf("unexpected task: %+v", got)
	}

	rec = env.do(signedIn(httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
