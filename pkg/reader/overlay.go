package reader

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

// WatermarkLine is one line of identity text drawn over a page.
type WatermarkLine struct {
	Text    string
	X       float64 // fraction of page width
	Y       float64 // fraction of page height
	Angle   float64 // degrees
	Opacity float64
}

// Deterrence lists the best-effort copy-protection switches a host shell
// should apply. All platform-dependent; none is a hard guarantee.
type Deterrence struct {
	BlockCopy           bool
	BlockContextMenu    bool
	BlockPrint          bool
	ObscureOnBackground bool
}

// DefaultDeterrence enables everything.
func DefaultDeterrence() Deterrence {
	return Deterrence{
		BlockCopy:           true,
		BlockContextMenu:    true,
		BlockPrint:          true,
		ObscureOnBackground: true,
	}
}

// Overlay composes the watermark for one session. Line placement is
// seeded from the session identity, so a leaked page image identifies its
// source even when the visible text is cropped out.
type Overlay struct {
	identity string
	seed     int64
	now      func() time.Time
}

// NewOverlay derives the watermark identity and layout seed from the
// session.
func NewOverlay(session Session) *Overlay {
	h := fnv.New64a()
	_, _ = h.Write([]byte(session.UserID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(session.DeviceID))
	return &Overlay{
		identity: session.UserID,
		seed:     int64(h.Sum64()),
		now:      time.Now,
	}
}

// Lines returns the watermark lines for one page render.
func (o *Overlay) Lines(count int) []WatermarkLine {
	if count < 1 {
		count = 3
	}
	rng := rand.New(rand.NewSource(o.seed))
	stamp := o.now().UTC().Format("2006-01-02 15:04")
	text := fmt.Sprintf("%s · %s", o.identity, stamp)
	lines := make([]WatermarkLine, 0, count)
	for i := 0; i < count; i++ {
		lines = append(lines, WatermarkLine{
			Text:    text,
			X:       0.1 + rng.Float64()*0.6,
			Y:       (float64(i) + rng.Float64()) / float64(count),
			Angle:   -30 + rng.Float64()*60,
			Opacity: 0.08 + rng.Float64()*0.06,
		})
	}
	return lines
}
