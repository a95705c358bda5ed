package alerts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ConsoleSink prints alerts as a small framed block, one per alert.
type ConsoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	loc *time.Location
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w, loc: time.Local}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Show(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] %s", a.Placement, a.Duration, a.Title)
	if a.Type != "" {
		fmt.Fprintf(&b, " (%s)", a.Type)
	}
	b.WriteByte('\n')
	if c := strings.TrimSpace(a.Content); c != "" {
		for _, line := range strings.Split(c, "\n") {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if !a.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "  at %s\n", a.CreatedAt.In(c.loc).Format("2006-01-02 15:04:05"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.w, b.String())
	return err
}
