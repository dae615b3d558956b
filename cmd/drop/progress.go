package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/drop/internal/transfer"
	"github.com/1ureka/drop/internal/util"
)

// progressBars renders one pterm progress bar per transfer, counted in
// chunks, plus a percentage bar while the sender hashes its file.
type progressBars struct {
	mu      sync.Mutex
	multi   *pterm.MultiPrinter
	started bool
	bars    map[string]*pterm.ProgressbarPrinter
	hashes  map[string]*pterm.ProgressbarPrinter
	done    map[string]bool
}

func newProgressBars() *progressBars {
	multi := pterm.DefaultMultiPrinter
	return &progressBars{
		multi:  &multi,
		bars:   make(map[string]*pterm.ProgressbarPrinter),
		hashes: make(map[string]*pterm.ProgressbarPrinter),
		done:   make(map[string]bool),
	}
}

// bar returns the bar for key, creating it on first use. Caller holds mu.
func (p *progressBars) bar(set map[string]*pterm.ProgressbarPrinter, key string, total int, title string) *pterm.ProgressbarPrinter {
	if b, ok := set[key]; ok {
		return b
	}
	if !p.started {
		p.multi.Start()
		p.started = true
	}
	b, err := pterm.DefaultProgressbar.
		WithTotal(max(total, 1)).
		WithTitle(title).
		WithWriter(p.multi.NewWriter()).
		Start()
	if err != nil {
		util.LogDebug("progress bar: %v", err)
		return nil
	}
	set[key] = b
	return b
}

func (p *progressBars) update(s transfer.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[s.ID] {
		return
	}

	b := p.bar(p.bars, s.ID, s.TotalChunks, label(s))
	if b == nil {
		return
	}
	b.UpdateTitle(fmt.Sprintf("%s %s ETA %s", label(s), strings.TrimSpace(util.FormatSpeed(s.SpeedBps)), util.FormatETA(s.ETA)))
	if delta := s.CurrentChunk - b.Current; delta > 0 {
		b.Add(delta)
	}
}

func (p *progressBars) hashing(id string, done, total int64) {
	if total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.bar(p.hashes, id, 100, fmt.Sprintf("hashing [%s]", util.ShortID(id)))
	if b == nil {
		return
	}
	if delta := int(done*100/total) - b.Current; delta > 0 {
		b.Add(delta)
	}
	if done >= total {
		b.Stop()
	}
}

// finish stops the bars of a terminal transfer.
func (p *progressBars) finish(s transfer.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[s.ID] {
		return
	}
	p.done[s.ID] = true

	if b, ok := p.hashes[s.ID]; ok {
		b.Stop()
	}
	if b, ok := p.bars[s.ID]; ok {
		if s.Status == transfer.StatusCompleted && b.Current < b.Total {
			b.Add(b.Total - b.Current)
		}
		b.UpdateTitle(fmt.Sprintf("%s %s", label(s), s.Status))
		b.Stop()
	}
}

func (p *progressBars) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.bars {
		b.Stop()
	}
	for _, b := range p.hashes {
		b.Stop()
	}
	if p.started {
		p.multi.Stop()
	}
}

func label(s transfer.Snapshot) string {
	arrow := "→"
	if s.IsReceiver {
		arrow = "←"
	}
	return fmt.Sprintf("[%s] %s %s %s", util.ShortID(s.ID), s.FileName, arrow, s.PeerID)
}
