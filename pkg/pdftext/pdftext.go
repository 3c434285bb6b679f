// Package pdftext extracts the embedded text layer from PDF artifacts so the
// pipeline can skip OCR for digital documents. Scanned PDFs with no text
// layer fall through to rasterisation and the engine registry.
package pdftext

import (
	"bytes"
	"compress/zlib"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/harborline/receiving/pkg/ocr"
)

// EngineID marks results produced from the embedded text layer.
const EngineID = "pdf-text"

// minPageChars is the minimum non-whitespace character count for a page's
// text layer to be considered usable.
const minPageChars = 40

// lineItemToken recognises text that looks like a line item: a quantity next
// to a unit word, or a digit-bearing part-code shape.
var lineItemToken = regexp.MustCompile(`(?i)\b\d+([.,]\d+)?\s*(ea|each|pcs?|box|case|kg|g|lb|m|ft|gal|l)\b|\b[A-Z]{2,}[-_ ]?[A-Z]{0,3}[-_ ]?\d{2,}\b`)

// IsPDF reports whether data carries the PDF magic number.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// Extract pulls the embedded text layer out of a PDF. ok is false when no
// page yields usable text, in which case the caller rasterises and runs OCR.
//
// Every page is scanned; line numbering is continuous across pages.
func Extract(artifactID string, data []byte) (res *ocr.Result, ok bool) {
	pages := pageTexts(data)

	usable := false
	var all []string
	for _, page := range pages {
		stripped := strings.Join(strings.Fields(page), "")
		if len(stripped) >= minPageChars && lineItemToken.MatchString(page) {
			usable = true
		}
		for _, line := range strings.Split(page, "\n") {
			if strings.TrimSpace(line) != "" {
				all = append(all, strings.TrimSpace(line))
			}
		}
	}
	if !usable {
		return nil, false
	}

	lines := make([]ocr.Line, len(all))
	words := 0
	for i, text := range all {
		// The text layer has no rendered geometry; synthesise a monotonic
		// baseline so downstream row grouping sees one row per line.
		lines[i] = ocr.Line{
			Text:       text,
			BBox:       ocr.BBox{X: 0, Y: i * 20, W: 1000, H: 16},
			Confidence: 1.0,
		}
		words += len(strings.Fields(text))
	}

	return &ocr.Result{
		ArtifactID:     artifactID,
		EngineID:       EngineID,
		Text:           strings.Join(all, "\n"),
		Lines:          lines,
		MeanConfidence: 1.0,
		WordCount:      words,
		FinishedAt:     time.Now().UTC(),
	}, true
}

var streamMarker = []byte("stream")

// pageTexts walks every stream object in document order and decodes the text
// show operators of those that carry content. Each content stream is treated
// as one page.
func pageTexts(data []byte) []string {
	var pages []string
	rest := data
	for {
		idx := bytes.Index(rest, streamMarker)
		if idx < 0 {
			break
		}
		body := rest[idx+len(streamMarker):]
		// The stream keyword is followed by CRLF or LF.
		body = bytes.TrimPrefix(body, []byte("\r\n"))
		body = bytes.TrimPrefix(body, []byte("\n"))

		end := bytes.Index(body, []byte("endstream"))
		if end < 0 {
			break
		}
		raw := bytes.TrimRight(body[:end], "\r\n")

		content := raw
		if decoded, err := inflate(raw); err == nil {
			content = decoded
		}

		if text := contentText(content); text != "" {
			pages = append(pages, text)
		}
		rest = body[end:]
	}
	return pages
}

func inflate(raw []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// contentText decodes Tj, ' and TJ text-show operators from a content
// stream, inserting newlines at Td/TD/T* line moves.
func contentText(content []byte) string {
	var sb strings.Builder
	i := 0
	lineOpen := false
	for i < len(content) {
		switch content[i] {
		case '(':
			text, next := parseString(content, i)
			sb.WriteString(text)
			lineOpen = true
			i = next
		case 'T':
			if i+1 < len(content) {
				switch content[i+1] {
				case 'd', 'D', '*':
					if lineOpen {
						sb.WriteByte('\n')
						lineOpen = false
					}
					i += 2
					continue
				}
			}
			i++
		case '\'':
			if lineOpen {
				sb.WriteByte('\n')
				lineOpen = false
			}
			i++
		default:
			i++
		}
	}
	return strings.TrimSpace(sb.String())
}

// parseString reads a PDF literal string starting at the '(' at position
// start and returns the decoded text and the index after the closing ')'.
func parseString(content []byte, start int) (string, int) {
	var sb strings.Builder
	depth := 0
	i := start
	for i < len(content) {
		c := content[i]
		switch c {
		case '\\':
			if i+1 < len(content) {
				switch content[i+1] {
				case 'n':
					sb.WriteByte('\n')
				case 'r':
					sb.WriteByte('\r')
				case 't':
					sb.WriteByte('\t')
				case '(', ')', '\\':
					sb.WriteByte(content[i+1])
				}
				i += 2
				continue
			}
			i++
		case '(':
			depth++
			if depth > 1 {
				sb.WriteByte(c)
			}
			i++
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), i
}
