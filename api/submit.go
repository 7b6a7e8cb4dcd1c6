package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"taskboard/auth"
	"taskboard/domain"
	"taskboard/form"
	"taskboard/richtext"
	"taskboard/web"
)

const msgRequiredFields = "Title and date are required"

// alertCollector keeps the notifications raised while handling one post so
// they can be shown on the re-rendered page.
type alertCollector struct {
	messages []string
}

func (a *alertCollector) Alert(msg string) { a.messages = append(a.messages, msg) }

func (a *alertCollector) last() string {
	if len(a.messages) == 0 {
		return ""
	}
	return a.messages[len(a.messages)-1]
}

func openForm(task domain.Task, n form.Notifier) (*form.Form, error) {
	if n == nil {
		return form.New(task)
	}
	return form.New(task, form.WithNotifier(n))
}

func blankTask() domain.Task {
	return domain.Task{
		ID:       uuid.NewString(),
		Date:     time.Now().Format("2006-01-02"),
		Status:   domain.StatusToDo,
		Category: domain.CategoryWork,
	}
}

func (s *Server) newTask(c echo.Context, sess *auth.Session) error {
	if sess == nil {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	f, err := openForm(blankTask(), nil)
	if err != nil {
		return err
	}
	return render(c, http.StatusOK, web.EditPage(web.EditView{Form: f, IdempotencyKey: uuid.NewString()}))
}

func (s *Server) editTask(c echo.Context, sess *auth.Session) error {
	if sess == nil {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	task, found, err := s.loadTask(c.Request().Context(), sess.Identity.UserID, c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("load task failed")
		return c.String(http.StatusInternalServerError, "failed to load task")
	}
	if !found {
		return c.String(http.StatusNotFound, "task not found")
	}
	f, err := openForm(task, nil)
	if err != nil {
		s.log.WithError(err).WithField("task", task.ID).Error("open form failed")
		return c.String(http.StatusInternalServerError, "failed to open task")
	}
	return render(c, http.StatusOK, web.EditPage(web.EditView{Form: f, IdempotencyKey: uuid.NewString()}))
}

func bodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

var (
	errFieldsTooLarge = errors.New("form fields too large")
	errInvalidChoice  = errors.New("invalid status or category")
)

// submission is a parsed task form post. When tooLarge is set the body went
// past maxSubmitSize and values holds the fields read before the cut.
type submission struct {
	values   url.Values
	file     *domain.File
	tooLarge bool
}

// parseSubmission reads a task form post. Multipart bodies are streamed
// part by part so text fields sent ahead of an oversized file survive.
func parseSubmission(c echo.Context) (*submission, error) {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxSubmitSize)
	sub := &submission{values: url.Values{}}

	mr, err := req.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		if perr := req.ParseForm(); perr != nil {
			if bodyTooLarge(perr) {
				sub.tooLarge = true
				return sub, nil
			}
			return nil, perr
		}
		sub.values = req.Form
		return sub, nil
	}
	if err != nil {
		return nil, err
	}

	fieldBytes := 0
	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			if bodyTooLarge(perr) {
				sub.tooLarge = true
				break
			}
			return nil, perr
		}
		name := part.FormName()
		if part.FileName() == "" {
			data, rerr := io.ReadAll(io.LimitReader(part, int64(maxFieldBytes-fieldBytes+1)))
			if rerr != nil {
				if bodyTooLarge(rerr) {
					sub.tooLarge = true
					break
				}
				return nil, rerr
			}
			fieldBytes += len(data)
			if fieldBytes > maxFieldBytes {
				return nil, errFieldsTooLarge
			}
			sub.values.Add(name, string(data))
			continue
		}
		if name != web.FieldAttachment || sub.file != nil {
			continue
		}
		file, rerr := readAttachment(part)
		if rerr != nil {
			if bodyTooLarge(rerr) {
				sub.tooLarge = true
				break
			}
			return nil, rerr
		}
		sub.file = &file
	}
	req.Form = sub.values
	req.PostForm = sub.values
	return sub, nil
}

func readAttachment(part *multipart.Part) (domain.File, error) {
	// One byte past the cap is enough to reject the file.
	data, err := io.ReadAll(io.LimitReader(part, domain.MaxAttachmentSize+1))
	if err != nil {
		return domain.File{}, err
	}
	contentType := part.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(part.FileName()))
	}
	return domain.File{Name: part.FileName(), Type: contentType, Data: data}, nil
}

// applyFields copies the posted text fields onto the form. Fields that were
// not posted keep their current values.
func applyFields(f *form.Form, values url.Values) error {
	if v, ok := values[web.FieldTitle]; ok && len(v) > 0 {
		f.SetTitle(v[0])
	}
	if v, ok := values[web.FieldDate]; ok && len(v) > 0 {
		f.SetDate(v[0])
	}
	if v, ok := values[web.FieldDescription]; ok && len(v) > 0 {
		if err := f.EditDescription(v[0]); err != nil {
			return fmt.Errorf("description: %w", err)
		}
	}
	if v, ok := values[web.FieldStatus]; ok && len(v) > 0 {
		status := domain.Status(v[0])
		if !status.Valid() {
			return errInvalidChoice
		}
		f.SetStatus(status)
	}
	if v, ok := values[web.FieldCategory]; ok && len(v) > 0 {
		category := domain.Category(v[0])
		if !category.Valid() {
			return errInvalidChoice
		}
		f.SetCategory(category)
	}
	return nil
}

// applySelection points the editor at the posted selection, or at the whole
// description when none was posted, so toolbar marks have text to act on.
func applySelection(f *form.Form, values url.Values) {
	from, ferr := strconv.Atoi(values.Get(web.FieldSelFrom))
	to, terr := strconv.Atoi(values.Get(web.FieldSelTo))
	if ferr == nil && terr == nil {
		f.Select(from, to)
		return
	}
	f.SelectAll()
}

// submitTask runs a posted edit form: field edits, description, an optional
// toolbar command or new attachment, and finally save or cancel.
func (s *Server) submitTask(c echo.Context, sess *auth.Session) (err error) {
	ctx := c.Request().Context()
	metrics, spanCtx := newRequestMetrics(ctx, s.log, "/tasks/:id")
	c.SetRequest(c.Request().WithContext(spanCtx))
	ctx = spanCtx
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	if sess == nil {
		metrics.SetErrorStage("auth")
		return c.String(http.StatusUnauthorized, "sign in required")
	}
	userID := sess.Identity.UserID

	loadStart := time.Now()
	task, found, loadErr := s.loadTask(ctx, userID, c.Param("id"))
	metrics.Observe("load", time.Since(loadStart))
	if loadErr != nil {
		metrics.SetErrorStage("load")
		s.log.WithError(loadErr).WithField("user", userID).Error("load task failed")
		return c.String(http.StatusInternalServerError, "failed to load task")
	}
	if !found {
		task = domain.Task{ID: c.Param("id")}
	}
	metrics.SetBool("new_task", !found)

	alerts := &alertCollector{}
	f, openErr := openForm(task, alerts)
	if openErr != nil {
		metrics.SetErrorStage("open")
		s.log.WithError(openErr).WithField("task", task.ID).Error("open form failed")
		return c.String(http.StatusInternalServerError, "failed to open task")
	}

	parseStart := time.Now()
	sub, parseErr := parseSubmission(c)
	metrics.Observe("parse", time.Since(parseStart))
	if parseErr != nil {
		metrics.SetErrorStage("parse")
		return c.String(http.StatusBadRequest, "invalid form")
	}

	key := strings.TrimSpace(sub.values.Get(web.FieldIdempotencyKey))
	if key == "" {
		key = uuid.NewString()
	}
	view := web.EditView{Form: f, IdempotencyKey: key}

	if sub.tooLarge {
		// Keep what the user typed; the fields usually precede the file.
		_ = applyFields(f, sub.values)
		metrics.SetErrorStage("attachment")
		alerts.Alert(form.MsgAttachmentTooLarge)
		view.Alert = alerts.last()
		return render(c, http.StatusRequestEntityTooLarge, web.EditPage(view))
	}

	if sub.values.Get(web.FieldAction) == web.ActionCancel {
		f.Cancel(func() {})
		return c.Redirect(http.StatusSeeOther, "/")
	}

	if applyErr := applyFields(f, sub.values); applyErr != nil {
		if errors.Is(applyErr, errInvalidChoice) {
			metrics.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "invalid status or category")
		}
		metrics.SetErrorStage("description")
		return c.String(http.StatusBadRequest, "invalid description")
	}

	if name := sub.values.Get(web.FieldCommand); name != "" {
		cmd, cmdErr := richtext.ParseCommand(name)
		if cmdErr == nil {
			applySelection(f, sub.values)
			cmdErr = f.Format(cmd)
		}
		if cmdErr != nil {
			metrics.SetErrorStage("format")
			return c.String(http.StatusBadRequest, cmdErr.Error())
		}
		view.SelFrom = sub.values.Get(web.FieldSelFrom)
		view.SelTo = sub.values.Get(web.FieldSelTo)
		return render(c, http.StatusOK, web.EditPage(view))
	}

	attachStart := time.Now()
	if sub.file != nil {
		if !f.SelectFile([]domain.File{*sub.file}) {
			metrics.Observe("attachment", time.Since(attachStart))
			metrics.SetErrorStage("attachment")
			view.Alert = alerts.last()
			return render(c, http.StatusRequestEntityTooLarge, web.EditPage(view))
		}
		metrics.SetInt("attachment_bytes", len(sub.file.Data))
	}
	metrics.Observe("attachment", time.Since(attachStart))

	if f.Title() == "" || f.Date() == "" {
		metrics.SetErrorStage("validate")
		view.Alert = msgRequiredFields
		return render(c, http.StatusBadRequest, web.EditPage(view))
	}

	dedupeStart := time.Now()
	added, dedupeErr := s.deduper.Add(ctx, userID, key)
	metrics.Observe("dedupe", time.Since(dedupeStart))
	if dedupeErr != nil {
		metrics.SetErrorStage("dedupe")
		s.log.WithError(dedupeErr).WithField("user", userID).Error("dedupe failed")
		return c.String(http.StatusInternalServerError, "failed to save task")
	}
	if !added {
		metrics.SetBool("duplicate", true)
		return c.Redirect(http.StatusSeeOther, "/")
	}

	var (
		saved   domain.Task
		saveErr error
		closed  bool
	)
	storeStart := time.Now()
	f.Submit(func(t domain.Task) {
		saved, saveErr = s.store.SaveTask(ctx, userID, t)
	}, func() {
		closed = true
	})
	metrics.Observe("store", time.Since(storeStart))
	if saveErr != nil {
		metrics.SetErrorStage("store")
		if rerr := s.deduper.Remove(context.Background(), userID, key); rerr != nil {
			s.log.Errorf("dedupe rollback failed, err : %v, key: %s, user: %s", rerr, key, userID)
		}
		s.log.WithError(saveErr).WithField("user", userID).Error("save task failed")
		return c.String(http.StatusInternalServerError, "failed to save task")
	}

	eventType := domain.TaskUpdated
	if !found {
		eventType = domain.TaskCreated
	}
	publishStart := time.Now()
	if pubErr := s.publish(userID, eventType, saved); pubErr != nil {
		metrics.SetErrorStage("publish")
		s.log.WithError(pubErr).WithField("task", saved.ID).Error("publish task event failed")
	}
	metrics.Observe("publish", time.Since(publishStart))

	if !closed {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) publish(userID, eventType string, t domain.Task) error {
	data, err := sonic.Marshal(domain.NewTaskEventData(t))
	if err != nil {
		return err
	}
	return s.events.Send(domain.Event{
		ID:        uuid.NewString(),
		EntityID:  t.ID,
		Type:      eventType,
		Data:      data,
		Timestamp: s.clock.Next(),
		UserID:    userID,
	})
}
