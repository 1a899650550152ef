// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling and prompts for the shroud CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // brand
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
	IconLock    Icon = "🔒"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Output targets
// =============================================================================

var (
	outMu  sync.RWMutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects printed output. Nil leaves a stream unchanged. The
// returned func restores the previous writers.
func SetOutput(out, errOut io.Writer) (restore func()) {
	outMu.Lock()
	defer outMu.Unlock()
	prevOut, prevErr := stdout, stderr
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
	return func() {
		outMu.Lock()
		defer outMu.Unlock()
		stdout, stderr = prevOut, prevErr
	}
}

func outw() io.Writer {
	outMu.RLock()
	defer outMu.RUnlock()
	return stdout
}

func errw() io.Writer {
	outMu.RLock()
	defer outMu.RUnlock()
	return stderr
}

// =============================================================================
// Print helpers that respect personality level
// =============================================================================

// Banner prints the program banner. Machine mode prints nothing.
func Banner(version string) {
	p := GetPersonality()
	switch p.Level {
	case PersonalityMachine:
		return
	case PersonalityMinimal:
		fmt.Fprintf(outw(), "shroud %s\n", version)
	case PersonalityStandard:
		fmt.Fprintln(outw(), Styles.Title.Render("shroud")+" "+Styles.Muted.Render(version))
	default:
		title := Styles.Title.Render("shroud") + " " + Styles.Muted.Render(version)
		tagline := Styles.Subtitle.Render("encrypt or obfuscate a source tree, with undo")
		fmt.Fprintln(outw(), Styles.Box.Render(title+"\n"+tagline))
	}
}

// Title prints a styled title
func Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(outw(), Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(outw(), "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(outw(), "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(outw(), "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errw(), "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(outw(), "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(outw(), "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errw(), "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(outw(), "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(outw(), "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintln(outw(), text)
		return
	}
	fmt.Fprintf(outw(), "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(outw(), Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(outw(), "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(outw(), Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func WarningBox(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(errw(), "WARN %s: %s\n", title, content)
		return
	}
	titleLine := Styles.Warning.Bold(true).Render(title)
	fmt.Fprintln(outw(), Styles.WarningBox.Width(60).Render(titleLine+"\n"+content))
}

// Field is one row of a Settings table.
type Field struct {
	Label string
	Value string
}

// Settings prints labelled values, aligned. Machine mode prints key=value
// lines.
func Settings(title string, fields []Field) {
	if GetPersonality().Level == PersonalityMachine {
		for _, f := range fields {
			fmt.Fprintf(outw(), "%s=%s\n", strings.ToLower(strings.ReplaceAll(f.Label, " ", "_")), f.Value)
		}
		return
	}
	width := 0
	for _, f := range fields {
		width = max(width, lipgloss.Width(f.Label))
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		pad := strings.Repeat(" ", width-lipgloss.Width(f.Label))
		b.WriteString(Styles.Muted.Render(f.Label+pad) + "  " + Styles.Bold.Render(f.Value))
	}
	Box(title, b.String())
}

// Mask hides all but the first and last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// FileStatus prints a file with its status
func FileStatus(path string, status Icon, reason string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(outw(), "%s\t%s\t%s\n", status, path, reason)
	case PersonalityMinimal:
		fmt.Fprintf(outw(), "%s %s\n", status.Render(), path)
	default:
		if reason != "" {
			fmt.Fprintf(outw(), "%s %s %s\n", status.Render(), path, Styles.Muted.Render("("+reason+")"))
		} else {
			fmt.Fprintf(outw(), "%s %s\n", status.Render(), path)
		}
	}
}

// Summary prints the counts of a run.
func Summary(processed, skipped, failed int) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(outw(), "SUMMARY: processed=%d skipped=%d failed=%d\n", processed, skipped, failed)
		return
	}
	fmt.Fprintf(outw(), "\n%s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprintf("%d", processed)), Styles.Muted.Render("processed"),
		Styles.Warning.Render(fmt.Sprintf("%d", skipped)), Styles.Muted.Render("skipped"),
		Styles.Error.Render(fmt.Sprintf("%d", failed)), Styles.Muted.Render("failed"),
	)
}
