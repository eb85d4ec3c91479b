package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"securereader/pkg/domain"
)

// fakeBroker is an in-memory Broker with call accounting, shared by the
// tests in this package.
type fakeBroker struct {
	mu sync.Mutex

	segmentTTL  time.Duration
	documentTTL time.Duration

	grantErr error

	segmentCalls  map[int]int
	documentCalls int
	mints         int

	totalPages int
	segments   []domain.Segment

	progress      domain.ReadingProgress
	savedPages    []int
	saveErr       error
	activeDevice  *domain.DeviceInfo
	takeoverCalls int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		segmentTTL:   45 * time.Second,
		documentTTL:  15 * time.Minute,
		segmentCalls: map[int]int{},
	}
}

func (b *fakeBroker) withThreeSegments() *fakeBroker {
	b.totalPages = 120
	b.segments = []domain.Segment{
		{ContentID: "c1", Index: 0, StartPage: 1, EndPage: 40, FilePath: "segments/c1-0.pdf"},
		{ContentID: "c1", Index: 1, StartPage: 41, EndPage: 80, FilePath: "segments/c1-1.pdf"},
		{ContentID: "c1", Index: 2, StartPage: 81, EndPage: 120, FilePath: "segments/c1-2.pdf"},
	}
	return b
}

func (b *fakeBroker) RequestGrant(_ context.Context, contentID string, segmentIndex *int) (domain.Grant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grantErr != nil {
		return domain.Grant{}, b.grantErr
	}
	b.mints++
	if segmentIndex == nil {
		b.documentCalls++
		return domain.Grant{
			SignedURL: fmt.Sprintf("https://cdn.test/%s/doc?mint=%d", contentID, b.mints),
			ExpiresAt: time.Now().Add(b.documentTTL).UnixMilli(),
		}, nil
	}
	index := *segmentIndex
	b.segmentCalls[index]++
	return domain.Grant{
		SignedURL:    fmt.Sprintf("https://cdn.test/%s/seg-%d?mint=%d", contentID, index, b.mints),
		ExpiresAt:    time.Now().Add(b.segmentTTL).UnixMilli(),
		SegmentIndex: &index,
	}, nil
}

func (b *fakeBroker) SegmentDirectory(context.Context, string) (int, []domain.Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalPages, append([]domain.Segment(nil), b.segments...), nil
}

func (b *fakeBroker) GetProgress(_ context.Context, contentID string) (domain.ReadingProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.progress.CurrentPage == 0 {
		return domain.ReadingProgress{ContentID: contentID, CurrentPage: 1}, nil
	}
	return b.progress, nil
}

func (b *fakeBroker) SaveProgress(_ context.Context, _ string, currentPage, totalPages int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.savedPages = append(b.savedPages, currentPage)
	b.progress.CurrentPage = currentPage
	b.progress.TotalPages = totalPages
	return nil
}

func (b *fakeBroker) ClaimDevice(_ context.Context, info domain.DeviceInfo, takeover bool) (domain.DeviceInfo, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if takeover {
		b.takeoverCalls++
		b.activeDevice = &info
		return domain.DeviceInfo{}, false, nil
	}
	if b.activeDevice != nil && *b.activeDevice != info {
		return *b.activeDevice, true, nil
	}
	b.activeDevice = &info
	return domain.DeviceInfo{}, false, nil
}

func (b *fakeBroker) segmentCallCount(index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segmentCalls[index]
}

func (b *fakeBroker) saved() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.savedPages...)
}

// fakeBitmap counts releases so tests can assert the exactly-once contract.
type fakeBitmap struct {
	mu       sync.Mutex
	releases int
}

func (f *fakeBitmap) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeBitmap) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

// fakeDecoder records what was decoded and hands out fresh fakeBitmaps.
type fakeDecoder struct {
	mu      sync.Mutex
	decoded []string // "url#localPage"
	bitmaps []*fakeBitmap
	err     error
}

func (d *fakeDecoder) DecodePage(_ context.Context, url string, localPage int, _ float64) (Bitmap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.decoded = append(d.decoded, fmt.Sprintf("%s#%d", url, localPage))
	bm := &fakeBitmap{}
	d.bitmaps = append(d.bitmaps, bm)
	return bm, nil
}

func (d *fakeDecoder) decodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.decoded)
}
