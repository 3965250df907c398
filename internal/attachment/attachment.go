// Package attachment turns a file attached to a user turn into what the
// model and the conversation store need: images travel inline as base64,
// text files are appended to the prompt.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// FallbackText is stored as the user message when a file is sent without
// any typed text.
const FallbackText = "Sent a file"

var ErrUnsupported = errors.New("attachment is neither an image nor text")

type File struct {
	Name     string
	Data     []byte
	MimeType string
}

// New builds a File, keeping only the base name of path-like names and
// guessing the MIME type from the extension, then from the content.
func New(name string, data []byte) *File {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	return &File{Name: name, Data: data, MimeType: mimeType}
}

func (f *File) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// Prepared is a user turn ready to persist and to send.
type Prepared struct {
	// ModelText is what the model receives.
	ModelText string
	Images    []string

	// StoredText and the attachment fields are what the store receives.
	StoredText string
	Attachment string
	ImageData  string
	MimeType   string
}

// Prepare merges the typed text with an optional attachment. When the file
// cannot be used it returns ErrUnsupported together with a text-only turn,
// so the caller can still send what the user typed.
func Prepare(text string, f *File) (Prepared, error) {
	text = strings.TrimSpace(text)
	p := Prepared{ModelText: text, StoredText: text}
	if f == nil {
		return p, nil
	}

	if f.IsImage() {
		encoded := base64.StdEncoding.EncodeToString(f.Data)
		p.Images = []string{encoded}
		p.Attachment = f.Name
		p.ImageData = encoded
		p.MimeType = f.MimeType
		return p, nil
	}

	if !utf8.Valid(f.Data) {
		return p, fmt.Errorf("%s (%s): %w", f.Name, f.MimeType, ErrUnsupported)
	}

	p.Attachment = f.Name
	if text == "" {
		p.StoredText = FallbackText
	}
	p.ModelText = fmt.Sprintf("%s\n\n--- Content from %s ---\n%s\n-----------------------------", text, f.Name, string(f.Data))
	return p, nil
}
