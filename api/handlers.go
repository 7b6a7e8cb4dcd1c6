package api

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/auth"
	"taskboard/domain"
	"taskboard/storage"
	"taskboard/web"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Store    Storage
	Events   EventPublisher
	Deduper  Deduper
	Auth     *auth.Adapter
	Sessions SessionLoader
	Verifier Authenticator
	Blobs    BlobStore
	Log      *log.Logger
	Pool     PoolConfig
	// ClientID is the identity provider client the login widget signs in with.
	ClientID string
}

// Server owns the handlers and the event sender behind them.
type Server struct {
	store    Storage
	events   *eventSender
	clock    *eventClock
	deduper  Deduper
	auth     *auth.Adapter
	sessions SessionLoader
	verifier Authenticator
	blobs    BlobStore
	log      *log.Logger
	clientID string
}

// sessionHandler receives the session resolved from the request cookie, or
// nil when the visitor is signed out.
type sessionHandler func(c echo.Context, sess *auth.Session) error

// Register wires up all routes on the provided Echo instance. Close the
// returned Server on shutdown to flush pending events.
func Register(e *echo.Echo, d Deps) *Server {
	if d.Log == nil {
		panic("Logger is not initialized")
	}
	s := &Server{
		store:    d.Store,
		events:   newEventSender(d.Events, d.Log, d.Pool),
		clock:    newEventClock(),
		deduper:  d.Deduper,
		auth:     d.Auth,
		sessions: d.Sessions,
		verifier: d.Verifier,
		blobs:    d.Blobs,
		log:      d.Log,
		clientID: d.ClientID,
	}

	e.Use(DecodeRequestBody())

	e.GET("/", s.withSession(s.index))
	e.POST("/auth/signin", s.signIn)
	e.POST("/auth/signout", s.signOut)
	e.GET("/tasks/new", s.withSession(s.newTask))
	e.GET("/tasks/:id/edit", s.withSession(s.editTask))
	e.POST("/tasks/:id", s.withSession(s.submitTask))
	e.GET("/tasks/:id/attachment", s.withSession(s.viewAttachment))
	e.GET("/blobs/:handle", s.serveBlob)
	e.GET("/api/tasks", s.withSession(s.listTasksJSON))
	e.GET("/api/tasks/:id", s.withSession(s.getTaskJSON))
	e.GET("/healthz", healthz)
	return s
}

// Close drains the event sender.
func (s *Server) Close() {
	s.events.Close()
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) withSession(h sessionHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		return h(c, s.resolveSession(c))
	}
}

func (s *Server) resolveSession(c echo.Context) *auth.Session {
	token := auth.TokenFromRequest(c.Request())
	if token == "" || s.sessions == nil {
		return nil
	}
	sess, err := s.sessions.Get(c.Request().Context(), token)
	if err != nil {
		s.log.WithError(err).Warn("session lookup failed")
		return nil
	}
	if sess == nil {
		auth.ClearCookie(c.Response(), c.Request())
	}
	return sess
}

func render(c echo.Context, status int, comp templ.Component) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(status)
	return comp.Render(c.Request().Context(), c.Response().Writer)
}

func (s *Server) index(c echo.Context, sess *auth.Session) error {
	var tasks []domain.Task
	if sess != nil {
		var err error
		tasks, err = s.store.FetchTasks(c.Request().Context(), sess.Identity.UserID)
		if err != nil {
			s.log.WithError(err).WithField("user", sess.Identity.UserID).Error("fetch tasks failed")
			return c.String(http.StatusInternalServerError, "failed to load tasks")
		}
	}
	return render(c, http.StatusOK, web.Index(sess, tasks, s.clientID))
}

func (s *Server) signIn(c echo.Context) error {
	if sess := s.auth.SignIn(c.Request().Context(), c.FormValue("credential")); sess != nil {
		auth.SetCookie(c.Response(), c.Request(), sess)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) signOut(c echo.Context) error {
	if token := auth.TokenFromRequest(c.Request()); token != "" {
		s.auth.SignOut(c.Request().Context(), token)
	}
	auth.ClearCookie(c.Response(), c.Request())
	return c.Redirect(http.StatusSeeOther, "/")
}

// loadTask returns the stored task, or found=false when it does not exist.
func (s *Server) loadTask(ctx context.Context, userID, taskID string) (domain.Task, bool, error) {
	t, err := s.store.GetTask(ctx, userID, taskID)
	if errors.Is(err, storage.ErrTaskNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (s *Server) viewAttachment(c echo.Context, sess *auth.Session) error {
	if sess == nil {
		return c.String(http.StatusUnauthorized, "sign in required")
	}
	ctx := c.Request().Context()
	task, found, err := s.loadTask(ctx, sess.Identity.UserID, c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("load task failed")
		return c.String(http.StatusInternalServerError, "failed to load task")
	}
	if !found {
		return c.String(http.StatusNotFound, "task not found")
	}
	f, err := openForm(task, nil)
	if err != nil {
		s.log.WithError(err).Error("open form failed")
		return c.String(http.StatusInternalServerError, "failed to open task")
	}
	ref, ok, err := f.ViewAttachment(s.blobs)
	if err != nil {
		s.log.WithError(err).WithField("task", task.ID).Error("decode attachment failed")
		return c.String(http.StatusInternalServerError, "attachment is unreadable")
	}
	if !ok {
		return c.String(http.StatusNotFound, "no attachment")
	}
	return c.Redirect(http.StatusSeeOther, "/blobs/"+ref.Handle)
}

func (s *Server) serveBlob(c echo.Context) error {
	obj, ok := s.blobs.Open(c.Param("handle"))
	if !ok {
		return c.String(http.StatusNotFound, "reference expired")
	}
	contentType := obj.Type
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	disposition := "inline"
	if !obj.Inline {
		disposition = "attachment"
	}
	params := map[string]string{}
	if obj.Name != "" {
		params["filename"] = obj.Name
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType(disposition, params))
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	return c.Blob(http.StatusOK, contentType, obj.Data)
}

// apiUser identifies the caller of a JSON endpoint by session cookie or by
// bearer ID token.
func (s *Server) apiUser(c echo.Context, sess *auth.Session) (string, error) {
	if sess != nil {
		return sess.Identity.UserID, nil
	}
	if s.verifier == nil {
		return "", auth.ErrMissingCredential
	}
	id, err := s.verifier.IdentityFromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

func writeJSON(c echo.Context, status int, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, data)
}

func (s *Server) listTasksJSON(c echo.Context, sess *auth.Session) (err error) {
	ctx := c.Request().Context()
	metrics, spanCtx := newRequestMetrics(ctx, s.log, "/api/tasks")
	c.SetRequest(c.Request().WithContext(spanCtx))
	ctx = spanCtx
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	authStart := time.Now()
	userID, authErr := s.apiUser(c, sess)
	metrics.Observe("auth", time.Since(authStart))
	metrics.SetBool("cookie_session", sess != nil)
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return writeJSON(c, http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
	}

	fetchStart := time.Now()
	tasks, fetchErr := s.store.FetchTasks(ctx, userID)
	metrics.Observe("fetch", time.Since(fetchStart))
	if fetchErr != nil {
		metrics.SetErrorStage("storage")
		s.log.WithError(fetchErr).WithField("user", userID).Error("fetch tasks failed")
		return writeJSON(c, http.StatusInternalServerError, errorResponse{Error: "failed to load tasks"})
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	metrics.SetInt("tasks_returned", len(tasks))

	encodeStart := time.Now()
	err = writeJSON(c, http.StatusOK, tasksResponse{Tasks: tasks})
	metrics.Observe("encode", time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (s *Server) getTaskJSON(c echo.Context, sess *auth.Session) error {
	userID, err := s.apiUser(c, sess)
	if err != nil {
		return writeJSON(c, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	}
	task, found, err := s.loadTask(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		s.log.WithError(err).WithField("user", userID).Error("load task failed")
		return writeJSON(c, http.StatusInternalServerError, errorResponse{Error: "failed to load task"})
	}
	if !found {
		return writeJSON(c, http.StatusNotFound, errorResponse{Error: "task not found"})
	}
	return writeJSON(c, http.StatusOK, task)
}
