// Package form holds the editable state of a task while it is being updated.
//
// A Form is seeded from a task, mutated through its setters and editor
// operations, and finally emits the merged record through Submit. It never
// persists anything itself.
package form

import (
	"fmt"
	"html"
	"unicode/utf8"

	"taskboard/attachment"
	"taskboard/blobs"
	"taskboard/domain"
	"taskboard/richtext"
)

// MsgAttachmentTooLarge is shown when a chosen file exceeds the size cap.
const MsgAttachmentTooLarge = "File size must be under 4MB"

// Notifier delivers blocking user notifications.
type Notifier interface {
	Alert(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Alert(message string) { f(message) }

// Acquirer hands out temporary references to binary objects.
type Acquirer interface {
	Acquire(obj blobs.Object) blobs.Ref
}

// Option configures a Form.
type Option func(*Form)

// WithEditor replaces the built-in rich-text document.
func WithEditor(e richtext.Editor) Option {
	return func(f *Form) { f.editor = e }
}

// WithNotifier sets where rejections are reported.
func WithNotifier(n Notifier) Option {
	return func(f *Form) { f.notifier = n }
}

// Form is the edit state of one task. It is not safe for concurrent use.
type Form struct {
	task       domain.Task
	title      string
	date       string
	status     domain.Status
	category   domain.Category
	editor     richtext.Editor
	attachment *domain.File
	notifier   Notifier
}

// New opens a form on task.
func New(task domain.Task, opts ...Option) (*Form, error) {
	f := &Form{
		task:     task,
		title:    task.Title,
		date:     task.Date,
		status:   task.Status,
		category: task.Category,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.notifier == nil {
		f.notifier = NotifierFunc(func(string) {})
	}
	if f.editor == nil {
		doc, err := richtext.New(task.Description)
		if err != nil {
			return nil, fmt.Errorf("open description: %w", err)
		}
		f.editor = doc
	} else if err := f.editor.SetContent(task.Description); err != nil {
		return nil, fmt.Errorf("open description: %w", err)
	}
	return f, nil
}

func (f *Form) Title() string             { return f.title }
func (f *Form) Date() string              { return f.date }
func (f *Form) Status() domain.Status     { return f.status }
func (f *Form) Category() domain.Category { return f.category }
func (f *Form) Editor() richtext.Editor   { return f.editor }
func (f *Form) Task() domain.Task         { return f.task }

func (f *Form) SetTitle(v string)             { f.title = v }
func (f *Form) SetDate(v string)              { f.date = v }
func (f *Form) SetStatus(v domain.Status)     { f.status = v }
func (f *Form) SetCategory(v domain.Category) { f.category = v }

// SyncDescription pushes a changed description from the task owner into the
// editor. An empty description leaves the editor alone.
func (f *Form) SyncDescription(desc string) error {
	if desc == "" {
		return nil
	}
	f.task.Description = desc
	return f.editor.SetContent(desc)
}

// Edit runs a user edit against the editor and then clamps the content to
// domain.MaxDescriptionChars plain-text characters.
func (f *Form) Edit(fn func(richtext.Editor) error) error {
	if err := fn(f.editor); err != nil {
		return err
	}
	return f.clamp()
}

// EditDescription replaces the description with markup typed by the user.
func (f *Form) EditDescription(markup string) error {
	return f.Edit(func(e richtext.Editor) error { return e.SetContent(markup) })
}

// Format applies a toolbar command.
func (f *Form) Format(cmd richtext.Command) error {
	return f.Edit(func(e richtext.Editor) error { return e.Apply(cmd) })
}

// IsActive reports whether a toolbar command is active.
func (f *Form) IsActive(cmd richtext.Command) bool {
	return f.editor.IsActive(cmd)
}

// CharCount is the plain-text length shown next to the editor.
func (f *Form) CharCount() int {
	return utf8.RuneCountInString(f.editor.PlainText())
}

// Counter renders the character counter.
func (f *Form) Counter() string {
	return fmt.Sprintf("%d/%d characters", f.CharCount(), domain.MaxDescriptionChars)
}

func (f *Form) clamp() error {
	text := f.editor.PlainText()
	if utf8.RuneCountInString(text) <= domain.MaxDescriptionChars {
		return nil
	}
	if t, ok := f.editor.(richtext.Truncater); ok {
		t.Truncate(domain.MaxDescriptionChars)
		return nil
	}
	prefix := string([]rune(text)[:domain.MaxDescriptionChars])
	if err := f.editor.SetContent(html.EscapeString(prefix)); err != nil {
		return fmt.Errorf("clamp description: %w", err)
	}
	return nil
}

// Select sets the editor selection in plain-text offsets. It reports false
// when the editor does not take selections from outside.
func (f *Form) Select(from, to int) bool {
	s, ok := f.editor.(richtext.Selector)
	if !ok {
		return false
	}
	s.Select(from, to)
	return true
}

// SelectAll selects the whole description.
func (f *Form) SelectAll() bool {
	s, ok := f.editor.(richtext.Selector)
	if !ok {
		return false
	}
	s.Select(0, s.Len())
	return true
}

// Selection returns the editor selection, if the editor exposes one.
func (f *Form) Selection() (richtext.Selection, bool) {
	s, ok := f.editor.(richtext.Selector)
	if !ok {
		return richtext.Selection{}, false
	}
	return s.Selection(), true
}

// SelectFile takes the first file of a selection. Files above
// domain.MaxAttachmentSize, or an empty selection, are rejected with an alert
// and leave the current attachment unchanged.
func (f *Form) SelectFile(files []domain.File) bool {
	if len(files) == 0 || attachment.TooLarge(&files[0]) {
		f.notifier.Alert(MsgAttachmentTooLarge)
		return false
	}
	file := files[0]
	f.attachment = &file
	return true
}

// Attachment returns the newly chosen file, if any.
func (f *Form) Attachment() *domain.File { return f.attachment }

// StoredAttachment returns the persisted attachment while no new file is chosen.
func (f *Form) StoredAttachment() (domain.AttachmentDescriptor, bool) {
	if f.attachment != nil || f.task.AttachmentData == nil || f.task.AttachmentData.Data == "" {
		return domain.AttachmentDescriptor{}, false
	}
	return *f.task.AttachmentData, true
}

// ViewAttachment decodes the stored attachment into a temporary reference.
// Images are marked for inline display, everything else for download. The
// reference is released by reg on its own schedule.
func (f *Form) ViewAttachment(reg Acquirer) (blobs.Ref, bool, error) {
	d, ok := f.StoredAttachment()
	if !ok {
		return blobs.Ref{}, false, nil
	}
	file, err := attachment.ToFile(d)
	if err != nil {
		return blobs.Ref{}, false, err
	}
	ref := reg.Acquire(blobs.Object{
		Data:   file.Data,
		Type:   file.Type,
		Name:   file.Name,
		Inline: attachment.IsImage(file.Type),
	})
	return ref, true, nil
}

// Record merges the form state over the original task.
func (f *Form) Record() domain.Task {
	out := f.task
	out.Title = f.title
	out.Description = f.editor.HTML()
	out.Date = f.date
	out.Status = f.status
	out.Category = f.category
	out.Attachment = f.attachment
	return out
}

// Submit hands the merged record to onSave and then closes the form.
func (f *Form) Submit(onSave func(domain.Task), onClose func()) {
	onSave(f.Record())
	onClose()
}

// Cancel closes the form without saving.
func (f *Form) Cancel(onClose func()) {
	onClose()
}
