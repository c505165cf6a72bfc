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
	"sync"
	"time"
)

// SpinnerType defines the animation style
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerWave
	SpinnerCompass
)

var spinnerFrames = map[SpinnerType][]string{
	SpinnerDots:    {"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
	SpinnerWave:    {"~", "≈", "≋", "≈"},
	SpinnerCompass: {"◐", "◓", "◑", "◒"},
}

const spinnerInterval = 80 * time.Millisecond

// Spinner provides an animated progress indicator bound to a Printer.
//
// Only ModeStyled animates. ModeMachine prints "PROGRESS: message" once and
// ModeMinimal prints the message once.
//
// Thread Safety: Start, Stop and UpdateMessage are safe for concurrent use.
// Nothing else may write to the printer while the spinner runs.
type Spinner struct {
	printer  *Printer
	message  string
	spinType SpinnerType
	stop     chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// Spinner creates a stopped spinner showing message.
func (p *Printer) Spinner(message string) *Spinner {
	return &Spinner{
		printer:  p,
		message:  message,
		spinType: SpinnerDots,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithType sets the spinner animation type
func (s *Spinner) WithType(t SpinnerType) *Spinner {
	s.spinType = t
	return s
}

// Start begins the spinner animation. Starting twice is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	msg := s.message
	s.mu.Unlock()

	w := s.printer.w
	switch s.printer.mode {
	case ModeMachine:
		fmt.Fprintf(w, "PROGRESS: %s\n", msg)
		close(s.done)
		return
	case ModeMinimal:
		fmt.Fprintf(w, "%s\n", msg)
		close(s.done)
		return
	}

	go func() {
		defer close(s.done)
		frames := spinnerFrames[s.spinType]
		ticker := time.NewTicker(spinnerInterval)
		defer ticker.Stop()

		for i := 0; ; i = (i + 1) % len(frames) {
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			fmt.Fprintf(w, "\r%s %s", Styles.Highlight.Render(frames[i]), msg)

			select {
			case <-s.stop:
				fmt.Fprint(w, "\r\033[K")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the animation and clears the spinner line.
// Stopping a spinner that is not running is a no-op.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.printer.mode == ModeStyled {
		close(s.stop)
	}
	<-s.done
}

// UpdateMessage changes the spinner message while running
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// StopWithSuccess stops and prints a success message
func (s *Spinner) StopWithSuccess(message string) {
	s.Stop()
	s.printer.Success(message)
}

// StopWithError stops and prints an error message
func (s *Spinner) StopWithError(message string) {
	s.Stop()
	s.printer.Error(message)
}

// WithSpinner runs fn with a spinner, reporting success or the error.
func (p *Printer) WithSpinner(message string, fn func() error) error {
	spin := p.Spinner(message)
	spin.Start()

	if err := fn(); err != nil {
		spin.StopWithError(fmt.Sprintf("%s: %v", message, err))
		return err
	}
	spin.StopWithSuccess(message)
	return nil
}
