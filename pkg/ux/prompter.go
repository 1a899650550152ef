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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNonInteractive is returned when a prompt is needed but prompts are
	// disabled.
	ErrNonInteractive = errors.New("confirmation required but running non-interactively (use --yes)")

	// ErrCancelled is returned when the user aborts a prompt.
	ErrCancelled = errors.New("prompt cancelled")

	// ErrInvalidSelection is returned for a choice outside the option list.
	ErrInvalidSelection = errors.New("invalid selection")
)

// UserPrompter asks the user yes/no questions and small menus.
//
// # Thread Safety
//
// Implementations are not expected to be used by concurrent callers.
type UserPrompter interface {
	// Confirm returns true only for an explicit yes.
	Confirm(ctx context.Context, prompt string) (bool, error)

	// Select returns the 0-based index of the chosen option.
	Select(ctx context.Context, prompt string, options []string) (int, error)

	// IsInteractive reports whether a human answers the prompts.
	IsInteractive() bool
}

// =============================================================================
// InteractivePrompter
// =============================================================================

// InteractivePrompter reads answers line by line.
//
// # Limitations
//
// A read blocked on the input is abandoned, not interrupted, when ctx is
// cancelled. Its line goes to the next prompt, so only one read is ever in
// flight on the reader.
type InteractivePrompter struct {
	reader *bufio.Reader
	writer io.Writer

	mu      sync.Mutex
	pending chan lineResult
}

// NewInteractivePrompter prompts on stdin and stdout.
func NewInteractivePrompter() *InteractivePrompter {
	return NewInteractivePrompterWithIO(os.Stdin, os.Stdout)
}

// NewInteractivePrompterWithIO prompts on the given streams.
func NewInteractivePrompterWithIO(r io.Reader, w io.Writer) *InteractivePrompter {
	return &InteractivePrompter{reader: bufio.NewReader(r), writer: w}
}

type lineResult struct {
	line string
	err  error
}

// readLine returns the next trimmed line. io.EOF is returned only when
// nothing was read.
func (p *InteractivePrompter) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	ch := p.pending
	p.pending = nil
	if ch == nil {
		ch = make(chan lineResult, 1)
		go func() {
			line, err := p.reader.ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			ch <- lineResult{line: strings.TrimSpace(line), err: err}
		}()
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.pending = ch
		p.mu.Unlock()
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

// Confirm prints "prompt [y/N]: " and accepts y or yes in any case. Empty
// input and EOF mean no.
func (p *InteractivePrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprintf(p.writer, "%s [y/N]: ", prompt)
	line, err := p.readLine(ctx)
	if errors.Is(err, io.EOF) {
		fmt.Fprintln(p.writer)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Select prints a numbered menu and reads a 1-based choice.
func (p *InteractivePrompter) Select(ctx context.Context, prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("select requires at least one option")
	}
	fmt.Fprintln(p.writer, prompt)
	for i, opt := range options {
		fmt.Fprintf(p.writer, "  %d. %s\n", i+1, opt)
	}
	fmt.Fprintf(p.writer, "Enter choice [1-%d]: ", len(options))

	line, err := p.readLine(ctx)
	if errors.Is(err, io.EOF) {
		return 0, ErrCancelled
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(options) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSelection, line)
	}
	return n - 1, nil
}

func (p *InteractivePrompter) IsInteractive() bool { return true }

// =============================================================================
// NonInteractivePrompter / AutoApprovePrompter
// =============================================================================

// NonInteractivePrompter fails every prompt with ErrNonInteractive.
type NonInteractivePrompter struct{}

func NewNonInteractivePrompter() *NonInteractivePrompter { return &NonInteractivePrompter{} }

func (*NonInteractivePrompter) Confirm(context.Context, string) (bool, error) {
	return false, ErrNonInteractive
}

func (*NonInteractivePrompter) Select(context.Context, string, []string) (int, error) {
	return 0, ErrNonInteractive
}

func (*NonInteractivePrompter) IsInteractive() bool { return false }

// AutoApprovePrompter answers yes and picks the first option (--yes).
type AutoApprovePrompter struct{}

func NewAutoApprovePrompter() *AutoApprovePrompter { return &AutoApprovePrompter{} }

func (*AutoApprovePrompter) Confirm(context.Context, string) (bool, error) { return true, nil }

func (*AutoApprovePrompter) Select(_ context.Context, _ string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("select requires at least one option")
	}
	return 0, nil
}

func (*AutoApprovePrompter) IsInteractive() bool { return false }

// =============================================================================
// MockPrompter
// =============================================================================

// PromptCall records one call to a MockPrompter.
type PromptCall struct {
	Method  string
	Prompt  string
	Options []string
}

// MockPrompter is a scripted UserPrompter for tests. Calling a method whose
// func is nil panics.
type MockPrompter struct {
	ConfirmFunc       func(ctx context.Context, prompt string) (bool, error)
	SelectFunc        func(ctx context.Context, prompt string, options []string) (int, error)
	IsInteractiveFunc func() bool

	mu    sync.Mutex
	Calls []PromptCall
}

func (m *MockPrompter) record(c PromptCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

func (m *MockPrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	m.record(PromptCall{Method: "Confirm", Prompt: prompt})
	if m.ConfirmFunc == nil {
		panic("MockPrompter.ConfirmFunc not set")
	}
	return m.ConfirmFunc(ctx, prompt)
}

func (m *MockPrompter) Select(ctx context.Context, prompt string, options []string) (int, error) {
	m.record(PromptCall{Method: "Select", Prompt: prompt, Options: options})
	if m.SelectFunc == nil {
		panic("MockPrompter.SelectFunc not set")
	}
	return m.SelectFunc(ctx, prompt, options)
}

func (m *MockPrompter) IsInteractive() bool {
	if m.IsInteractiveFunc == nil {
		return true
	}
	return m.IsInteractiveFunc()
}

// Reset clears the call history.
func (m *MockPrompter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// =============================================================================
// Selection
// =============================================================================

// PrompterOptions selects a prompter implementation.
type PrompterOptions struct {
	// AutoApprove answers every prompt affirmatively (--yes).
	AutoApprove bool

	// NonInteractive fails every prompt (--non-interactive).
	NonInteractive bool
}

// NewPrompter returns the prompter for the flags and terminal: auto-approve,
// non-interactive, a form on a TTY, or line prompts otherwise.
func NewPrompter(opts PrompterOptions) UserPrompter {
	switch {
	case opts.AutoApprove:
		return NewAutoApprovePrompter()
	case opts.NonInteractive:
		return NewNonInteractivePrompter()
	case IsInteractive():
		return NewFormPrompter()
	default:
		return NewInteractivePrompter()
	}
}

var (
	_ UserPrompter = (*InteractivePrompter)(nil)
	_ UserPrompter = (*NonInteractivePrompter)(nil)
	_ UserPrompter = (*AutoApprovePrompter)(nil)
	_ UserPrompter = (*MockPrompter)(nil)
	_ UserPrompter = (*FormPrompter)(nil)
)
