// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders operator-facing output of the autoupgrader CLI.
package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/autoupgrader/cmd/autoupgrader/internal/history"
)

// Brand palette
const (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label:   lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(18),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Status is everything the status command shows.
type Status struct {
	Role     string
	Records  history.Snapshot
	Links    map[string]string
	Runs     []history.Run
	LockedBy int
}

// RenderStatus writes the status box to w.
func RenderStatus(w io.Writer, s Status) error {
	var b strings.Builder
	b.WriteString(Styles.Title.Render("autoupgrader · "+s.Role) + "\n\n")

	b.WriteString(row("active release", orNone(s.Records.Version)))
	b.WriteString(row("previous release", orNone(s.Records.Previous)))
	if s.LockedBy > 0 {
		b.WriteString(row("run in progress", Styles.Warning.Render(fmt.Sprintf("PID %d", s.LockedBy))))
	}

	if len(s.Records.Services) > 0 || len(s.Links) > 0 {
		b.WriteString("\n" + Styles.Title.Render("services") + "\n")
		for _, id := range serviceKeys(s.Records.Services, s.Links) {
			v := orNone(s.Records.Services[id])
			link := s.Links[id]
			if link == "" {
				link = Styles.Warning.Render("not linked")
			} else {
				link = Styles.Muted.Render(link)
			}
			b.WriteString(row(id, v+"  "+link))
		}
	}

	if len(s.Runs) > 0 {
		b.WriteString("\n" + Styles.Title.Render("recent runs") + "\n")
		for _, r := range s.Runs {
			b.WriteString(runLine(r) + "\n")
		}
	}

	_, err := fmt.Fprintln(w, Styles.Box.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

func row(label, value string) string {
	return Styles.Label.Render(label) + value + "\n"
}

func runLine(r history.Run) string {
	var outcome string
	switch r.Outcome {
	case history.OutcomeSucceeded, history.OutcomeUpToDate:
		outcome = Styles.Success.Render(string(r.Outcome))
	case history.OutcomeRolledBack, history.OutcomeNoArchive:
		outcome = Styles.Warning.Render(string(r.Outcome))
	default:
		outcome = Styles.Error.Render(string(r.Outcome))
	}
	line := fmt.Sprintf("%s  %-8s %s → %s  %s",
		r.Started.Local().Format(time.DateTime), r.Direction, orNone(r.From), orNone(r.To), outcome)
	if r.Error != "" {
		line += "\n" + Styles.Muted.Render("    "+r.Error)
	}
	return line
}

func orNone(v string) string {
	if v == "" {
		return Styles.Muted.Render("none")
	}
	return v
}

func serviceKeys(maps ...map[string]string) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
