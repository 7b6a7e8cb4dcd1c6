package domain

import "github.com/bytedance/sonic"

const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
)

// Event describes a change to a task, published for downstream consumers.
type Event struct {
	ID        string                 `json:"id"`
	EntityID  string                 `json:"entityId"`
	Type      string                 `json:"type"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	UserID    string                 `json:"userId"`
}

// TaskEventData is the payload of task events. Attachment bytes are never included.
type TaskEventData struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Date           string   `json:"date"`
	Status         Status   `json:"status"`
	Category       Category `json:"category"`
	AttachmentName string   `json:"attachmentName,omitempty"`
}

// NewTaskEventData projects the event payload out of a task.
func NewTaskEventData(t Task) TaskEventData {
	d := TaskEventData{
		Title:       t.Title,
		Description: t.Description,
		Date:        t.Date,
		Status:      t.Status,
		Category:    t.Category,
	}
	if t.AttachmentData != nil {
		d.AttachmentName = t.AttachmentData.Name
	}
	return d
}
