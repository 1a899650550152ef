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
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the animation goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_MachineModePrintsProgressOnce(t *testing.T) {
	stdout, _ := capture(PersonalityMachine, func() {
		s := NewSpinner("Checking for errors...")
		s.Start()
		s.Start()
		s.Stop()
		s.Stop()
	})
	if stdout != "PROGRESS: Checking for errors...\n" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestSpinner_NonTerminalWriterIsSilent(t *testing.T) {
	stdout, _ := capture(PersonalityFull, func() {
		s := NewSpinner("working")
		s.Start()
		time.Sleep(20 * time.Millisecond)
		s.Stop()
	})
	if stdout != "" {
		t.Errorf("expected no output for a non-terminal writer, got %q", stdout)
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	s := NewSpinner("idle")
	s.Stop()
}

func TestSpinner_Animate(t *testing.T) {
	var out syncBuffer
	s := NewSpinner("first")
	s.interval = time.Millisecond
	stop := make(chan struct{})
	done := make(chan struct{})
	go s.animate(&out, stop, done)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "first") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.UpdateMessage("second")
	for !strings.Contains(out.String(), "second") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(stop)
	<-done

	got := out.String()
	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Errorf("expected both messages in output, got %q", got)
	}
	if !strings.HasSuffix(got, "\r\033[K") {
		t.Errorf("expected the line to be cleared on stop, got %q", got)
	}
}

func TestSpin_ReturnsError(t *testing.T) {
	want := errors.New("boom")
	var got error
	capture(PersonalityMachine, func() {
		got = Spin("step", func() error { return want })
	})
	if !errors.Is(got, want) {
		t.Errorf("Spin() = %v, want %v", got, want)
	}

	ran := false
	capture(PersonalityMachine, func() {
		got = Spin("step", func() error { ran = true; return nil })
	})
	if got != nil || !ran {
		t.Errorf("Spin() = %v, ran = %v", got, ran)
	}
}

func TestWriterIsTerminal(t *testing.T) {
	if writerIsTerminal(&bytes.Buffer{}) {
		t.Error("a buffer is not a terminal")
	}
}
