// Package attachment converts uploaded files to and from the data URL
// descriptor stored alongside a task.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"taskboard/domain"
)

const defaultMediaType = "application/octet-stream"

var ErrEmptyDescriptor = errors.New("attachment descriptor has no data")

// TooLarge reports whether f exceeds the attachment size cap.
func TooLarge(f *domain.File) bool {
	return f.Size() > domain.MaxAttachmentSize
}

// Encode builds the at-rest descriptor for f.
func Encode(f domain.File) domain.AttachmentDescriptor {
	mediaType := f.Type
	if mediaType == "" {
		mediaType = defaultMediaType
	}
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mediaType) + base64.StdEncoding.EncodedLen(len(f.Data)))
	b.WriteString("data:")
	b.WriteString(mediaType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(f.Data))
	return domain.AttachmentDescriptor{Data: b.String(), Type: mediaType, Name: f.Name}
}

// Decode returns the raw bytes held by d. The payload after the first comma
// of a data URL is decoded; bare base64 is accepted as well.
func Decode(d domain.AttachmentDescriptor) ([]byte, error) {
	payload := d.Data
	if payload == "" {
		return nil, ErrEmptyDescriptor
	}
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %q: %w", d.Name, err)
	}
	return data, nil
}

// ToFile decodes d back into a file tagged with its stored media type.
func ToFile(d domain.AttachmentDescriptor) (domain.File, error) {
	data, err := Decode(d)
	if err != nil {
		return domain.File{}, err
	}
	return domain.File{Name: d.Name, Type: d.Type, Data: data}, nil
}

// IsImage reports whether the media type should be displayed inline.
func IsImage(mediaType string) bool {
	return strings.HasPrefix(strings.ToLower(mediaType), "image/")
}
