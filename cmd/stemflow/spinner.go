package main

import (
	"fmt"
	"io"
	"time"

	"github.com/theckman/yacspin"
)

// progress reports a long-running operation. On a terminal it animates a
// spinner; otherwise it prints each distinct message on its own line.
type progress struct {
	out     io.Writer
	spinner *yacspin.Spinner
	last    string
}

func newProgress(out io.Writer, message string) *progress {
	p := &progress{out: out}
	if isTerminal(out) {
		spinner, err := yacspin.New(yacspin.Config{
			Writer:            out,
			Frequency:         120 * time.Millisecond,
			CharSet:           yacspin.CharSets[14],
			Suffix:            " ",
			Message:           message,
			StopCharacter:     "✓",
			StopColors:        []string{"fgGreen"},
			StopFailCharacter: "✗",
			StopFailColors:    []string{"fgRed"},
		})
		if err == nil && spinner.Start() == nil {
			p.spinner = spinner
			return p
		}
	}
	p.update(message)
	return p
}

func (p *progress) update(message string) {
	if p.spinner != nil {
		p.spinner.Message(message)
		return
	}
	if message != p.last {
		fmt.Fprintln(p.out, message)
		p.last = message
	}
}

func (p *progress) done(message string, ok bool) {
	if p.spinner == nil {
		fmt.Fprintln(p.out, message)
		return
	}
	if ok {
		p.spinner.StopMessage(message)
		_ = p.spinner.Stop()
		return
	}
	p.spinner.StopFailMessage(message)
	_ = p.spinner.StopFail()
}
