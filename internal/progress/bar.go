package progress

import (
	"io"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

const barTemplate = `{{string . "title"}} {{counters . }} {{bar . }} {{percent . }} {{etime . }}`

// Bar draws a terminal progress bar per busy period.
type Bar struct {
	w io.Writer

	mu  sync.Mutex
	bar *pb.ProgressBar
}

func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

func (b *Bar) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		b.bar.Finish()
	}
	b.bar = pb.New(0).
		SetTemplateString(barTemplate).
		SetWriter(b.w).
		SetRefreshRate(200*time.Millisecond).
		Set("title", Title)
	b.bar.Start()
}

func (b *Bar) SetTotal(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		b.bar.SetTotal(int64(n))
	}
}

func (b *Bar) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar != nil {
		b.bar.Increment()
	}
}

func (b *Bar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil {
		return
	}
	b.bar.Finish()
	b.bar = nil
}
