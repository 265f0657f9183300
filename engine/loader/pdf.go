package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/docsage/docsage/engine/domain"
	"github.com/ledongthuc/pdf"
)

var errNotPDF = errors.New("not a PDF file")

// ReadPDF loads one page per PDF page, numbered from 0, with source and page metadata.
// When the structured reader rejects the file the raw text operators are scanned
// instead and the whole file becomes a single page. A file neither path can read
// text from is a load error.
func ReadPDF(ctx context.Context, path string) (domain.Document, error) {
	pages, err := readStructured(ctx, path)
	if err == nil {
		return domain.Document{ID: path, Pages: pages}, nil
	}
	if ctx.Err() != nil {
		return domain.Document{}, domain.LoadError(path, ctx.Err())
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return domain.Document{}, domain.LoadError(path, rerr)
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF-")) {
		return domain.Document{}, domain.LoadError(path, fmt.Errorf("%w: %v", errNotPDF, err))
	}
	text := normalizeText(extractRawText(data))
	if strings.TrimSpace(text) == "" {
		return domain.Document{}, domain.LoadError(path, fmt.Errorf("%w: %v", errNotPDF, err))
	}
	return domain.Document{
		ID: path,
		Pages: []domain.Page{{
			Source: path,
			Number: 0,
			Text:   text,
			Metadata: map[string]string{
				"source":     path,
				"page":       "0",
				"extraction": "raw",
			},
		}},
	}, nil
}

func readStructured(ctx context.Context, path string) (pages []domain.Page, err error) {
	// The reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n := r.NumPage()
	pages = make([]domain.Page, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		var text string
		if !p.V.IsNull() {
			text, err = p.GetPlainText(nil)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", i, err)
			}
		}
		num := i - 1
		pages = append(pages, domain.Page{
			Source:   path,
			Number:   num,
			Text:     normalizeText(text),
			Metadata: map[string]string{"source": path, "page": strconv.Itoa(num)},
		})
	}
	return pages, nil
}

// extractRawText collects string operands inside BT ... ET blocks.
func extractRawText(data []byte) string {
	var texts []string
	inText := false
	for i := 0; i < len(data)-1; i++ {
		switch {
		case data[i] == 'B' && data[i+1] == 'T' && (i == 0 || !isAlpha(data[i-1])):
			inText = true
			i++
		case data[i] == 'E' && data[i+1] == 'T' && inText && (i+2 >= len(data) || !isAlpha(data[i+2])):
			inText = false
			i++
		case inText && data[i] == '(':
			s, next := readPDFString(data, i+1)
			if s = strings.TrimSpace(s); s != "" {
				texts = append(texts, s)
			}
			i = next
		}
	}
	return strings.Join(texts, " ")
}

// readPDFString decodes a literal string starting after '(' and returns it with the
// index of the closing ')'. Nested parentheses and backslash escapes are honoured.
func readPDFString(data []byte, i int) (string, int) {
	var b strings.Builder
	depth := 1
	for ; i < len(data); i++ {
		c := data[i]
		switch c {
		case '\\':
			if i+1 >= len(data) {
				return b.String(), i
			}
			i++
			switch data[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(data[i])
			}
		case '(':
			depth++
			b.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return b.String(), i
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), i
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// normalizeText drops control characters, folds runs of blanks into one space and
// caps blank lines at one, so paragraph breaks survive as "\n\n".
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(s))
	blank, newlines := false, 0
	for _, r := range s {
		switch {
		case r == '\n':
			newlines++
			blank = false
		case r == ' ' || r == '\t' || r == '\r' || r == '\u00a0':
			blank = true
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			continue
		default:
			if newlines > 0 {
				if b.Len() > 0 {
					b.WriteString(strings.Repeat("\n", min(newlines, 2)))
				}
				newlines = 0
			} else if blank && b.Len() > 0 {
				b.WriteByte(' ')
			}
			blank = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
