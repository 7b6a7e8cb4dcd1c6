package domain

// Status is the progress state of a task.
type Status string

const (
	StatusToDo       Status = "To-Do"
	StatusInProgress Status = "In-Progress"
	StatusCompleted  Status = "Completed"
)

// Statuses lists the accepted statuses in display order.
var Statuses = []Status{StatusToDo, StatusInProgress, StatusCompleted}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Category groups tasks on the board.
type Category string

const (
	CategoryWork     Category = "Work"
	CategoryPersonal Category = "Personal"
)

// Categories lists the accepted categories in display order.
var Categories = []Category{CategoryWork, CategoryPersonal}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

const (
	// MaxDescriptionChars caps the plain-text length of a description.
	MaxDescriptionChars = 300
	// MaxAttachmentSize caps a newly chosen attachment.
	MaxAttachmentSize = 4 * 1024 * 1024
)

// Task is a single work item owned by a user.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Status      Status   `json:"status"`
	Category    Category `json:"category"`
	// Attachment is a newly chosen file that has not been persisted yet.
	Attachment *File `json:"-"`
	// AttachmentData is the previously persisted attachment, if any.
	AttachmentData *AttachmentDescriptor `json:"attachmentData,omitempty"`
}

// File is an uploaded binary blob.
type File struct {
	Name string
	Type string
	Data []byte
}

// Size returns the file length in bytes.
func (f *File) Size() int64 {
	if f == nil {
		return 0
	}
	return int64(len(f.Data))
}

// AttachmentDescriptor is the at-rest encoding of a stored attachment.
// Data holds a base64 data URL.
type AttachmentDescriptor struct {
	Data string `json:"base64"`
	Type string `json:"type"`
	Name string `json:"name"`
}
