// Package progress renders backlog progress for the derivative scheduler.
//
// A Reporter sees one busy period at a time: Start when the backlog leaves
// zero, SetTotal as outputs are added, Tick per settled output, Done when the
// queue drains.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	logx "thumbq/pkg/logx"
)

// Title is shown in front of the bar and in log lines.
const Title = "Generating image thumbnails"

type Reporter interface {
	Start()
	SetTotal(n int)
	Tick()
	Done()
}

// Mode values accepted by New.
const (
	ModeAuto = "auto"
	ModeBar  = "bar"
	ModeLog  = "log"
	ModeOff  = "off"
)

// New picks a reporter by mode. auto renders a bar when w is a terminal and
// periodic log lines otherwise. every bounds log line frequency (0 means 2s).
func New(mode string, w io.Writer, log logx.Logger, every time.Duration) (Reporter, error) {
	switch m := strings.ToLower(strings.TrimSpace(mode)); m {
	case "", ModeAuto:
		if isTerminal(w) {
			return NewBar(w), nil
		}
		return NewLog(log, every), nil
	case ModeBar:
		return NewBar(w), nil
	case ModeLog:
		return NewLog(log, every), nil
	case ModeOff:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown progress mode %q", mode)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Nop discards progress.
type Nop struct{}

func (Nop) Start()       {}
func (Nop) SetTotal(int) {}
func (Nop) Tick()        {}
func (Nop) Done()        {}
