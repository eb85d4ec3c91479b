// Package segdir maps a content item's page count onto its ordered list of
// page-range segments and answers page→segment lookups.
package segdir

import (
	"fmt"
	"sort"

	"securereader/pkg/domain"
)

// Directory is a validated segment list for one content item. The zero value
// is a legacy directory (whole-document mode).
type Directory struct {
	segments   []domain.Segment
	totalPages int
}

// New validates the segment list against totalPages and returns a Directory.
// An empty list is legal and yields a legacy directory. Any violation of the
// partition invariant is an error; a corrupt directory must be rejected, not
// silently misrendered.
func New(segments []domain.Segment, totalPages int) (*Directory, error) {
	if totalPages <= 0 {
		return nil, fmt.Errorf("segdir: total pages must be positive, got %d", totalPages)
	}
	if len(segments) == 0 {
		return &Directory{totalPages: totalPages}, nil
	}
	sorted := make([]domain.Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	next := 1
	for i, seg := range sorted {
		if seg.Index != i {
			return nil, fmt.Errorf("segdir: segment indexes not contiguous: want %d, got %d", i, seg.Index)
		}
		if seg.StartPage != next {
			return nil, fmt.Errorf("segdir: segment %d starts at page %d, want %d", i, seg.StartPage, next)
		}
		if seg.EndPage < seg.StartPage {
			return nil, fmt.Errorf("segdir: segment %d range inverted: [%d, %d]", i, seg.StartPage, seg.EndPage)
		}
		next = seg.EndPage + 1
	}
	if next != totalPages+1 {
		return nil, fmt.Errorf("segdir: segments cover [1, %d], content has %d pages", next-1, totalPages)
	}
	return &Directory{segments: sorted, totalPages: totalPages}, nil
}

// Legacy reports whether the content has no segments and is served whole.
func (d *Directory) Legacy() bool { return len(d.segments) == 0 }

// TotalPages returns the declared page count.
func (d *Directory) TotalPages() int { return d.totalPages }

// Len returns the number of segments (0 for legacy).
func (d *Directory) Len() int { return len(d.segments) }

// Segments returns the ordered segment list.
func (d *Directory) Segments() []domain.Segment { return d.segments }

// Segment returns the segment at index.
func (d *Directory) Segment(index int) (domain.Segment, bool) {
	if index < 0 || index >= len(d.segments) {
		return domain.Segment{}, false
	}
	return d.segments[index], true
}

// SegmentForPage returns the unique segment containing the 1-based page, or
// false when the page is outside [1, totalPages] or the directory is legacy.
// Pure with respect to the directory contents.
func (d *Directory) SegmentForPage(page int) (domain.Segment, bool) {
	if page < 1 || page > d.totalPages || len(d.segments) == 0 {
		return domain.Segment{}, false
	}
	i := sort.Search(len(d.segments), func(i int) bool { return d.segments[i].EndPage >= page })
	if i == len(d.segments) || !d.segments[i].Contains(page) {
		return domain.Segment{}, false
	}
	return d.segments[i], true
}

// Plan derives the canonical split of totalPages into ranges of at most
// pagesPerSegment pages each. The publisher workflow uses it when slicing an
// uploaded document; the final segment absorbs the remainder.
func Plan(totalPages, pagesPerSegment int) ([]domain.Segment, error) {
	if totalPages <= 0 {
		return nil, fmt.Errorf("segdir: total pages must be positive, got %d", totalPages)
	}
	if pagesPerSegment <= 0 {
		return nil, fmt.Errorf("segdir: pages per segment must be positive, got %d", pagesPerSegment)
	}
	var out []domain.Segment
	for start := 1; start <= totalPages; start += pagesPerSegment {
		end := start + pagesPerSegment - 1
		if end > totalPages {
			end = totalPages
		}
		out = append(out, domain.Segment{
			Index:     len(out),
			StartPage: start,
			EndPage:   end,
		})
	}
	return out, nil
}
