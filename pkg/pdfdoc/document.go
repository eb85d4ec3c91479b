// Package pdfdoc is the decoded-document boundary. The rest of the core
// depends only on the Document interface, never on the decoding library's
// concrete types.
package pdfdoc

import (
	"fmt"
	"io"
	"os"

	"github.com/ledongthuc/pdf"
)

// OutlineItem is one entry of a document's navigation outline.
type OutlineItem struct {
	Title    string
	Children []OutlineItem
}

// Document exposes the operations the reader actually uses on a decoded
// PDF. NumPages is authoritative: once a document is open, its page count
// overrides the advisory count carried by the content metadata.
type Document interface {
	NumPages() int
	Outline() []OutlineItem
	// PageText extracts the plain text of the 1-based page. Pages that fail
	// to decode return an error without poisoning the document.
	PageText(page int) (string, error)
	Close() error
}

type fileDocument struct {
	file   *os.File
	reader *pdf.Reader
}

// Open decodes the PDF at path.
func Open(path string) (Document, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &fileDocument{file: file, reader: reader}, nil
}

// OpenReader decodes a PDF held in memory. Nothing is written to disk, so
// fetched content lives only as long as the Document does.
func OpenReader(r io.ReaderAt, size int64) (Document, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &fileDocument{reader: reader}, nil
}

// PageCount decodes just enough of the PDF at path to count pages. The
// publisher workflow uses it to validate a declared total before a segment
// directory is accepted.
func PageCount(path string) (int, error) {
	doc, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer doc.Close()
	return doc.NumPages(), nil
}

func (d *fileDocument) NumPages() int { return d.reader.NumPage() }

func (d *fileDocument) Outline() []OutlineItem {
	return convertOutline(d.reader.Outline().Child)
}

func (d *fileDocument) PageText(page int) (string, error) {
	if page < 1 || page > d.reader.NumPage() {
		return "", fmt.Errorf("page %d out of range [1, %d]", page, d.reader.NumPage())
	}
	p := d.reader.Page(page)
	if p.V.IsNull() {
		return "", fmt.Errorf("page %d is missing", page)
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extract page %d text: %w", page, err)
	}
	return text, nil
}

func (d *fileDocument) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

func convertOutline(items []pdf.Outline) []OutlineItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]OutlineItem, 0, len(items))
	for _, item := range items {
		out = append(out, OutlineItem{
			Title:    item.Title,
			Children: convertOutline(item.Child),
		})
	}
	return out
}
