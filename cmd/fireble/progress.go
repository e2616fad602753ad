package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with the current phase and
// elapsed or remaining seconds. It stays silent when out is not a terminal.
//
//	p := NewProgressPrinter(os.Stdout, "Scanning", "Scanning", 10*time.Second, "Processing results")
//	p.Start()
//	defer p.Stop()
//
// Stop must be called to release the redraw goroutine. A printer is single-use.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value
	stopPhases map[string]struct{}
	countdown  time.Duration // zero counts up
	enabled    bool

	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer. A positive countdown shows remaining
// instead of elapsed time. Setting any of stopPhases via Callback stops it.
func NewProgressPrinter(out io.Writer, prefix, phase string, countdown time.Duration, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
		countdown:  countdown,
		enabled:    isTerminal(out),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins redrawing in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	if !p.enabled {
		close(p.done)
		return
	}

	fmt.Fprint(p.out, p.line(p.phase.Load().(string), 0))
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				fmt.Fprint(p.out, p.line(phase, time.Since(p.startTime)))
			}
		}
	}()
}

// line renders the status line for phase after elapsed
func (p *ProgressPrinter) line(phase string, elapsed time.Duration) string {
	seconds := int(elapsed.Seconds())
	if p.countdown > 0 {
		remaining := p.countdown - elapsed
		seconds = 0
		if remaining > 0 {
			// Round to the nearest second
			seconds = int(remaining.Seconds() + 0.5)
		}
	}
	if seconds > 0 {
		return fmt.Sprintf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	}
	return fmt.Sprintf("\r%s (%s...)   ", p.prefix, phase)
}

// Callback returns a function that updates the phase. It is safe to call
// from multiple goroutines.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Phase returns the last phase set
func (p *ProgressPrinter) Phase() string { return p.phase.Load().(string) }

// Stop stops redrawing and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stopChan)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}
