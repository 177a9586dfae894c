// Package textextract pulls plain text out of document memories so the
// archive search can match on their content, not just the note.
package textextract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// FromPDF reads PDF bytes and returns plain text using ledongthuc/pdf.
func FromPDF(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// Extract returns searchable text for the given content type, or "" when the
// type has no extractor. Plain text passes through unchanged.
func Extract(data []byte, contentType string) (string, error) {
	switch {
	case strings.HasPrefix(contentType, "application/pdf"):
		return FromPDF(data)
	case strings.HasPrefix(contentType, "text/plain"):
		return string(data), nil
	default:
		return "", nil
	}
}

// FromReader drains the reader before passing along to Extract.
func FromReader(r io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return Extract(data, contentType)
}
