package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps one status line with the current phase and a timer.
//
//	p := NewProgressPrinter(os.Stderr, "Pairing with AA:BB:..", "Pairing")
//	p.Start()
//	defer p.Stop()
//
// Output is suppressed when w is not a terminal. A printer is single-use.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	countdown  time.Duration // zero counts up

	startTime time.Time
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter counts up. Setting one of stopPhases through Callback stops it.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter counts down from d.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(w, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		if !isTerminal(p.w) {
			close(p.done)
			return
		}
		p.startTime = time.Now()
		p.print(0)
		go p.loop()
	})
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if _, stop := p.stopPhases[p.phase.Load().(string)]; stop {
				return
			}
			elapsed := time.Since(p.startTime)
			if p.countdown == 0 {
				p.print(int(elapsed.Seconds()))
				continue
			}
			remaining := p.countdown - elapsed
			if remaining < 0 {
				remaining = 0
			}
			p.print(int(remaining.Seconds() + 0.5))
		}
	}
}

func (p *ProgressPrinter) print(seconds int) {
	phase := color.New(color.FgCyan).Sprint(p.phase.Load().(string))
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
		return
	}
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
}

// Callback returns a phase setter, safe for concurrent use. A stop phase stops the
// printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop ends the display and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		p.startOnce.Do(func() { close(p.done) })
		close(p.stop)
		<-p.done
		if isTerminal(p.w) {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
