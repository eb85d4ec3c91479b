package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"securereader/pkg/domain"
	"securereader/pkg/pdfdoc"
)

// TextBitmap is the decode result: the page's extracted text plus the width
// it was laid out for. A rasterizing host would hold pixels here instead;
// the release contract is the same either way.
type TextBitmap struct {
	Text  string
	Width float64

	releaseOnce sync.Once
	released    bool
}

// Release implements Bitmap.
func (b *TextBitmap) Release() {
	b.releaseOnce.Do(func() { b.released = true })
}

// Released reports whether the handle has been freed.
func (b *TextBitmap) Released() bool { return b.released }

// PDFDecoder implements Decoder by fetching the signed URL and decoding the
// PDF entirely in memory. Fetched content never touches disk, so nothing
// readable is left behind if the process dies mid-session. Documents are
// keyed by URL: a stable grant URL means one fetch per grant lifetime, and
// concurrent pages of the same segment share a single in-flight fetch.
type PDFDecoder struct {
	httpClient *http.Client

	group singleflight.Group
	mu    sync.Mutex
	docs  map[string]pdfdoc.Document
}

func NewPDFDecoder() *PDFDecoder {
	return &PDFDecoder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		docs:       make(map[string]pdfdoc.Document),
	}
}

// DecodePage implements Decoder.
func (d *PDFDecoder) DecodePage(ctx context.Context, url string, localPage int, width float64) (Bitmap, error) {
	doc, err := d.open(ctx, url)
	if err != nil {
		return nil, err
	}
	if localPage < 1 || localPage > doc.NumPages() {
		return nil, fmt.Errorf("%w: page %d of %d", domain.ErrNotFound, localPage, doc.NumPages())
	}
	text, err := doc.PageText(localPage)
	if err != nil {
		return nil, fmt.Errorf("decode page %d: %w", localPage, err)
	}
	return &TextBitmap{Text: text, Width: width}, nil
}

// Close releases every open document.
func (d *PDFDecoder) Close() {
	d.mu.Lock()
	docs := d.docs
	d.docs = make(map[string]pdfdoc.Document)
	d.mu.Unlock()
	for _, doc := range docs {
		_ = doc.Close()
	}
}

func (d *PDFDecoder) open(ctx context.Context, url string) (pdfdoc.Document, error) {
	d.mu.Lock()
	if doc, ok := d.docs[url]; ok {
		d.mu.Unlock()
		return doc, nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do(url, func() (any, error) {
		d.mu.Lock()
		if doc, ok := d.docs[url]; ok {
			d.mu.Unlock()
			return doc, nil
		}
		d.mu.Unlock()

		data, err := d.download(ctx, url)
		if err != nil {
			return nil, err
		}
		doc, err := pdfdoc.OpenReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("open document: %w", err)
		}
		d.mu.Lock()
		d.docs[url] = doc
		d.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(pdfdoc.Document), nil
}

func (d *PDFDecoder) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch document: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch document: status %d", domain.ErrTransient, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch document: %v", domain.ErrTransient, err)
	}
	return data, nil
}
