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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeMachine, ParseMode("MACHINE"))
	assert.Equal(t, ModeMinimal, ParseMode(" minimal "))
	assert.Equal(t, ModeStyled, ParseMode(""))
	assert.Equal(t, ModeStyled, ParseMode("fancy"))
}

func TestForWriter(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, ModeStyled, ForWriter(&buf, ModeStyled))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	assert.Equal(t, ModeMinimal, ForWriter(w, ModeStyled))
	assert.Equal(t, ModeMachine, ForWriter(w, ModeMachine))
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	p.Title("ignored")
	p.Success("committed")
	p.Error("failed")
	p.Table("merge result", []KV{{"replaced ids", 3}, {"dropped", 0}})

	assert.Equal(t,
		"OK: committed\nERROR: failed\nMERGE_RESULT.REPLACED_IDS: 3\nMERGE_RESULT.DROPPED: 0\n",
		buf.String())
}

func TestPrinter_Minimal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMinimal)

	p.Title("Summary")
	p.Warning("slow")
	p.Table("counts", []KV{{"modules", 10}})

	assert.Equal(t, "Summary\n⚠ slow\ncounts\n• modules: 10\n", buf.String())
}

func TestPrinter_Styled(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeStyled)

	p.Table("Snapshot", []KV{{"version", 7}, {"entities", 42}})
	p.Info("done")

	out := buf.String()
	assert.Contains(t, out, "Snapshot")
	assert.Contains(t, out, "version")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "done")
}

func TestPrinter_ProgressBar(t *testing.T) {
	assert.Equal(t, "3/4", NewPrinter(nil, ModeMachine).ProgressBar(3, 4, 10))
	assert.Equal(t, "0/0", NewPrinter(nil, ModeStyled).ProgressBar(0, 0, 10))
	assert.Equal(t, "█████░░░░░  50%", NewPrinter(nil, ModeMinimal).ProgressBar(5, 10, 10))
}

func TestIcon_Render(t *testing.T) {
	assert.Contains(t, IconSuccess.Render(), "✓")
	assert.Equal(t, "→", IconArrow.Render())
}
