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
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

// maxOptionWidth bounds menu labels in forms.
const maxOptionWidth = 72

// FormPrompter renders prompts as huh forms. Used on a TTY.
type FormPrompter struct {
	in     io.Reader
	out    io.Writer
	theme  *huh.Theme
	access bool
}

// NewFormPrompter prompts on the process terminal.
func NewFormPrompter() *FormPrompter {
	return &FormPrompter{theme: shroudTheme()}
}

// NewAccessibleFormPrompter runs forms in huh's accessible mode, which
// reads plain lines from in and writes to out.
func NewAccessibleFormPrompter(in io.Reader, out io.Writer) *FormPrompter {
	return &FormPrompter{in: in, out: out, theme: shroudTheme(), access: true}
}

func (f *FormPrompter) run(ctx context.Context, field huh.Field) error {
	form := huh.NewForm(huh.NewGroup(field)).
		WithTheme(f.theme).
		WithShowHelp(false).
		WithAccessible(f.access)
	if f.in != nil {
		form = form.WithInput(f.in)
	}
	if f.out != nil {
		form = form.WithOutput(f.out)
	}
	err := form.RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrCancelled
	}
	return err
}

func (f *FormPrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	var ok bool
	field := huh.NewConfirm().
		Title(prompt).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if err := f.run(ctx, field); err != nil {
		return false, err
	}
	return ok, nil
}

func (f *FormPrompter) Select(ctx context.Context, prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("select requires at least one option")
	}
	opts := make([]huh.Option[int], len(options))
	for i, label := range options {
		opts[i] = huh.NewOption(truncate(label, maxOptionWidth), i)
	}
	var choice int
	field := huh.NewSelect[int]().
		Title(prompt).
		Options(opts...).
		Value(&choice)
	if err := f.run(ctx, field); err != nil {
		return 0, err
	}
	return choice, nil
}

func (f *FormPrompter) IsInteractive() bool { return true }

// shroudTheme styles forms with the CLI palette.
func shroudTheme() *huh.Theme {
	t := huh.ThemeBase()

	t.Focused.Base = t.Focused.Base.BorderForeground(ColorTealDeep)
	t.Focused.Title = t.Focused.Title.Foreground(ColorTealBright).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(ColorSlate)
	t.Focused.ErrorIndicator = t.Focused.ErrorIndicator.Foreground(ColorError)
	t.Focused.ErrorMessage = t.Focused.ErrorMessage.Foreground(ColorError)
	t.Focused.SelectSelector = t.Focused.SelectSelector.Foreground(ColorTealBright)
	t.Focused.Option = t.Focused.Option.Foreground(ColorTealPrimary)
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(ColorTealBright)
	t.Focused.FocusedButton = t.Focused.FocusedButton.
		Foreground(lipgloss.Color("#0F1923")).
		Background(ColorTealBright)
	t.Focused.BlurredButton = t.Focused.BlurredButton.Foreground(ColorSlate)

	t.Blurred = t.Focused
	t.Blurred.Base = t.Blurred.Base.BorderStyle(lipgloss.HiddenBorder())
	return t
}

// truncate shortens s to maxLen runes, ending in "...".
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
