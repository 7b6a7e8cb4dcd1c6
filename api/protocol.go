package api

import "taskboard/domain"

// maxSubmitSize bounds a task form post: the attachment plus the text fields.
const maxSubmitSize = domain.MaxAttachmentSize + 256*1024

// maxFieldBytes bounds the text fields of a form post taken together.
const maxFieldBytes = 128 * 1024

// /GET /api/tasks response body
type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
}
