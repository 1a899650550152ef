// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner provides an animated line while a long step runs.
//
// # Description
//
// The animation only runs when output goes to a terminal. Machine mode
// prints a single PROGRESS line instead, and any other writer gets
// nothing, so captured output stays clean.
//
// # Thread Safety
//
// Start, Stop and UpdateMessage may be called from any goroutine.
type Spinner struct {
	mu       sync.Mutex
	message  string
	interval time.Duration
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string) *Spinner {
	return &Spinner{message: message, interval: 80 * time.Millisecond}
}

// Start begins the spinner animation. A running spinner is left alone.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(outw(), "PROGRESS: %s\n", s.message)
		return
	}
	w := outw()
	if !writerIsTerminal(w) {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.animate(w, s.stop, s.done)
}

func (s *Spinner) animate(w io.Writer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for frame := 0; ; frame = (frame + 1) % len(spinnerFrames) {
		select {
		case <-stop:
			// Clear the spinner line
			fmt.Fprint(w, "\r\033[K")
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			fmt.Fprintf(w, "\r%s %s", Styles.Highlight.Render(spinnerFrames[frame]), msg)
		}
	}
}

// Stop halts the animation and clears its line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// UpdateMessage changes the spinner message while running
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Spin runs fn with a spinner showing message and returns fn's error.
func Spin(message string, fn func() error) error {
	spin := NewSpinner(message)
	spin.Start()
	defer spin.Stop()
	return fn()
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminal(f)
}
