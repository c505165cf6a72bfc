// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the workspace CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
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
	Key       lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Key:       lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(22),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
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
	default:
		return string(i)
	}
}

// Mode controls how richly a Printer renders output.
type Mode string

const (
	// ModeStyled enables colors, icons and boxes.
	ModeStyled Mode = "styled"

	// ModeMinimal uses icons without colors or boxes.
	ModeMinimal Mode = "minimal"

	// ModeMachine outputs plain "KEY: value" text suitable for scripting.
	ModeMachine Mode = "machine"
)

// ParseMode converts a string to a Mode, defaulting to ModeStyled.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMinimal:
		return ModeMinimal
	case ModeMachine:
		return ModeMachine
	default:
		return ModeStyled
	}
}

// ForWriter downgrades ModeStyled to ModeMinimal when w is a file that is
// not a terminal, so redirected output carries no escape codes. Other
// writers and modes are returned unchanged.
func ForWriter(w io.Writer, m Mode) Mode {
	f, ok := w.(*os.File)
	if !ok || m != ModeStyled {
		return m
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return m
	}
	return ModeMinimal
}

// KV is one labelled value in a Printer.Table.
type KV struct {
	Key   string
	Value any
}

// Printer writes styled output to a writer.
//
// Thread Safety: Not safe for concurrent use; serialize calls externally.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a Printer writing to w in the given mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's rendering mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a styled title. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
	case ModeMinimal:
		fmt.Fprintln(p.w, text)
	default:
		fmt.Fprintln(p.w, Styles.Title.Render(text))
	}
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	p.status(IconSuccess, "OK", Styles.Success, text)
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	p.status(IconWarning, "WARN", Styles.Warning, text)
}

// Error prints an error message
func (p *Printer) Error(text string) {
	p.status(IconError, "ERROR", Styles.Error, text)
}

func (p *Printer) status(icon Icon, tag string, style lipgloss.Style, text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
	case ModeMinimal:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.mode == ModeStyled {
		fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
		return
	}
	fmt.Fprintln(p.w, text)
}

// Table prints labelled values, boxed under title in styled mode.
func (p *Printer) Table(title string, rows []KV) {
	if p.mode == ModeMachine {
		for _, r := range rows {
			fmt.Fprintf(p.w, "%s: %v\n", machineKey(title, r.Key), r.Value)
		}
		return
	}

	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		if p.mode == ModeMinimal {
			fmt.Fprintf(&b, "%s %s: %v", IconBullet, r.Key, r.Value)
			continue
		}
		b.WriteString(Styles.Key.Render(r.Key))
		b.WriteString(Styles.Bold.Render(fmt.Sprint(r.Value)))
	}

	if p.mode == ModeMinimal {
		fmt.Fprintln(p.w, title)
		fmt.Fprintln(p.w, b.String())
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Render(Styles.Title.Render(title)+"\n"+b.String()))
}

// ProgressBar renders a simple progress bar
func (p *Printer) ProgressBar(current, total, width int) string {
	if p.mode == ModeMachine || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	filled := int(pct * float64(width))
	bar := strings.Repeat("█", max(filled, 0)) + strings.Repeat("░", max(width-filled, 0))
	if p.mode == ModeStyled {
		bar = Styles.Success.Render(strings.Repeat("█", max(filled, 0))) +
			Styles.Muted.Render(strings.Repeat("░", max(width-filled, 0)))
	}
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}

func machineKey(title, key string) string {
	norm := func(s string) string {
		return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
	}
	if title == "" {
		return norm(key)
	}
	return norm(title) + "." + norm(key)
}
