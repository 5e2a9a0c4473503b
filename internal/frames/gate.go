package frames

import (
	"context"
	"sync"
)

// Gate holds the reading-enabled and writing-enabled flags shared by the
// stages of an ingest session. Stages check the gate before each frame, so a
// pause takes effect within one frame.
type Gate struct {
	mu      sync.Mutex
	reading bool
	writing bool
	changed chan struct{}
}

// NewGate returns a gate with both flags enabled.
func NewGate() *Gate {
	return &Gate{reading: true, writing: true, changed: make(chan struct{})}
}

func (g *Gate) SetReading(enabled bool) { g.set(&g.reading, enabled) }

func (g *Gate) SetWriting(enabled bool) { g.set(&g.writing, enabled) }

// Pause clears both flags.
func (g *Gate) Pause() {
	g.SetReading(false)
	g.SetWriting(false)
}

// Resume sets both flags.
func (g *Gate) Resume() {
	g.SetReading(true)
	g.SetWriting(true)
}

func (g *Gate) Reading() bool { return g.get(&g.reading) }

func (g *Gate) Writing() bool { return g.get(&g.writing) }

// Paused reports whether either flag is cleared.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.reading || !g.writing
}

// WaitReading blocks until reading is enabled or ctx ends. A nil gate never
// blocks.
func (g *Gate) WaitReading(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.wait(ctx, &g.reading)
}

// WaitWriting blocks until writing is enabled or ctx ends.
func (g *Gate) WaitWriting(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.wait(ctx, &g.writing)
}

func (g *Gate) set(flag *bool, enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if *flag == enabled {
		return
	}
	*flag = enabled
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Gate) get(flag *bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *flag
}

func (g *Gate) wait(ctx context.Context, flag *bool) error {
	for {
		g.mu.Lock()
		if *flag {
			g.mu.Unlock()
			return nil
		}
		changed := g.changed
		g.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
