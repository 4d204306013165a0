package msg

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressBar renders the number of finished build steps out of Total.
// It is safe for use from multiple goroutines.
type ProgressBar struct {
	Total      int
	Indent     int
	Start      time.Time
	W          io.Writer
	mu         sync.Mutex
	current    int
	throbIndex int
}

var throbbers = []rune{'|', '/', '-', '\\'}

func NewProgressBar(total int, indent int, w io.Writer) *ProgressBar {
	return &ProgressBar{
		Total:  total,
		Indent: indent,
		Start:  time.Now(),
		W:      w,
	}
}

// Step marks one more step as finished and redraws the bar.
func (pb *ProgressBar) Step() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current++
	pb.print(false)
}

func (pb *ProgressBar) Current() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.current
}

func (pb *ProgressBar) print(finish bool) {
	width := 40
	percent := float64(pb.current) / float64(max(pb.Total, 1))
	if finish {
		percent = 1
	}

	filled := min(int(percent*float64(width)), width)
	bar := strings.Repeat("█", filled) + strings.Repeat("-", width-filled)

	throb := throbbers[pb.throbIndex%len(throbbers)]
	pb.throbIndex++
	if finish {
		throb = ' '
	}

	fmt.Fprintf(pb.W, "\r%s[%d/%d] [%s] %c",
		strings.Repeat(" ", pb.Indent),
		min(pb.current, pb.Total),
		pb.Total,
		bar,
		throb,
	)
}

func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.print(true)
	fmt.Fprintf(pb.W, " %s\n", time.Since(pb.Start).Round(time.Millisecond))
}
