// Package web renders the HTML pages of the task board. The pages are templ
// components; run `templ generate` after editing a .templ file.
package web

import (
	"net/url"

	"github.com/a-h/templ"

	"taskboard/form"
	"taskboard/richtext"
)

// Form field names shared with the submit handler.
const (
	FieldIdempotencyKey = "idempotencyKey"
	FieldTitle          = "title"
	FieldDate           = "date"
	FieldStatus         = "status"
	FieldCategory       = "category"
	FieldDescription    = "description"
	FieldAttachment     = "attachment"
	FieldAction         = "action"
	FieldCommand        = "command"
	FieldSelFrom        = "selFrom"
	FieldSelTo          = "selTo"

	ActionSave   = "save"
	ActionCancel = "cancel"
	ActionFormat = "format"
)

var commandLabels = map[richtext.Command]string{
	richtext.Bold:        "Bold",
	richtext.Italic:      "Italic",
	richtext.Strike:      "Strike",
	richtext.BulletList:  "Bullet list",
	richtext.OrderedList: "Ordered list",
}

// EditView is what the edit page needs to render a form.
type EditView struct {
	Form           *form.Form
	IdempotencyKey string
	// Alert is a blocking notification raised while handling the last post.
	Alert string
	// SelFrom and SelTo echo the selection of the last toolbar post.
	SelFrom, SelTo string
}

func taskURL(id, suffix string) templ.SafeURL {
	return templ.SafeURL("/tasks/" + url.PathEscape(id) + suffix)
}
