package main

import (
	"fmt"
	"io"

	"github.com/yourusername/call-intake/internal/intake"
)

// progressPrinter は状態が変わったときと進捗が 25% 進むごとに 1 行出力します。
// Observer はキューのロック内で直列に呼ばれるため排他は不要です。
type progressPrinter struct {
	out  io.Writer
	last map[int]printed
}

type printed struct {
	status  intake.Status
	quarter int
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, last: make(map[int]printed)}
}

func (p *progressPrinter) Observe(item intake.ItemSnapshot) {
	cur := printed{status: item.Status, quarter: item.Progress / 25}
	if prev, ok := p.last[item.Index]; ok && prev == cur {
		return
	}
	p.last[item.Index] = cur

	switch item.Status {
	case intake.StatusFailed:
		fmt.Fprintf(p.out, "[%d] %s failed: %s\n", item.Index+1, item.FileName, item.Error)
	default:
		fmt.Fprintf(p.out, "[%d] %s %s %d%%\n", item.Index+1, item.FileName, item.Status, item.Progress)
	}
}
