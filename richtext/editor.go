// Package richtext is the document model behind the task description editor.
// Callers see it through the Editor interface; Document is the built-in
// implementation, parsing and rendering markup with golang.org/x/net/html.
package richtext

import (
	"errors"
	"fmt"
)

// Command names a formatting action. The same names are used to query
// whether the formatting is active at the current selection.
type Command string

const (
	Bold        Command = "bold"
	Italic      Command = "italic"
	Strike      Command = "strike"
	BulletList  Command = "bulletList"
	OrderedList Command = "orderedList"
)

// Commands lists the toolbar commands in display order.
var Commands = []Command{Bold, Italic, Strike, BulletList, OrderedList}

var ErrUnknownCommand = errors.New("unknown formatting command")

// Editor is the capability the task form needs from a rich-text editor.
type Editor interface {
	// PlainText returns the text content without markup.
	PlainText() string
	// HTML serializes the document to markup.
	HTML() string
	// SetContent replaces the whole document with the given markup.
	SetContent(markup string) error
	// Apply runs a formatting command against the current selection.
	Apply(cmd Command) error
	// IsActive reports whether cmd's formatting applies to the current selection.
	IsActive(cmd Command) bool
}

// Truncater is implemented by editors that can shorten their content while
// keeping its structure.
type Truncater interface {
	Truncate(n int)
}

// Selector is implemented by editors whose selection can be set from
// outside, in plain-text offsets.
type Selector interface {
	Len() int
	Selection() Selection
	Select(from, to int)
}

// ParseCommand validates a command name coming from a request.
func ParseCommand(name string) (Command, error) {
	for _, c := range Commands {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}
