package attachment

import (
	"bytes"
	"errors"
	"testing"

	"taskboard/domain"
)

func TestEncodeDecode(t *testing.T) {
	f := domain.File{Name: "photo.png", Type: "image/png", Data: []byte{0x89, 'P', 'N', 'G', 0, 1, 2}}

	d := Encode(f)
	if d.Name != "photo.png" || d.Type != "image/png" {
		t.Fatalf("unexpected descriptor metadata: %+v", d)
	}
	if want := "data:image/png;base64,"; d.Data[:len(want)] != want {
		t.Fatalf("expected data URL prefix, got %q", d.Data)
	}

	got, err := Decode(d)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, f.Data) {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestEncodeDefaultsMediaType(t *testing.T) {
	d := Encode(domain.File{Name: "blob", Data: []byte("x")})
	if d.Type != "application/octet-stream" {
		t.Fatalf("expected default media type, got %q", d.Type)
	}
}

func TestDecodeBareBase64(t *testing.T) {
	got, err := Decode(domain.AttachmentDescriptor{Data: "aGk=", Name: "hi.txt"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(domain.AttachmentDescriptor{}); !errors.Is(err, ErrEmptyDescriptor) {
		t.Fatalf("expected empty descriptor error, got %v", err)
	}
	if _, err := Decode(domain.AttachmentDescriptor{Data: "data:text/plain;base64,***"}); err == nil {
		t.Fatal("expected error for corrupt payload")
	}
}

func TestTooLarge(t *testing.T) {
	if TooLarge(&domain.File{Data: make([]byte, domain.MaxAttachmentSize)}) {
		t.Fatal("file at the cap should be accepted")
	}
	if !TooLarge(&domain.File{Data: make([]byte, domain.MaxAttachmentSize+1)}) {
		t.Fatal("file above the cap should be rejected")
	}
}

func TestIsImage(t *testing.T) {
	if !IsImage("image/jpeg") || !IsImage("IMAGE/PNG") {
		t.Fatal("expected image media types to be inline")
	}
	if IsImage("application/pdf") {
		t.Fatal("pdf should be downloaded")
	}
}
