// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

// ErrNoOptions is returned when a selection prompt has nothing to offer.
var ErrNoOptions = errors.New("no options to select from")

// truncate shortens s to maxLen runes, ending in "..." when cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}

// claudeTheme returns a huh form theme in the claude-flow palette.
func claudeTheme() *huh.Theme {
	t := huh.ThemeBase()

	t.Focused.Base = t.Focused.Base.BorderForeground(ColorCopperDeep)
	t.Focused.Title = t.Focused.Title.Foreground(ColorCopperBright).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(ColorSlate)
	t.Focused.SelectSelector = t.Focused.SelectSelector.Foreground(ColorCopperPrimary).SetString("→ ")
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(ColorCopperBright)
	t.Focused.UnselectedOption = t.Focused.UnselectedOption.Foreground(lipgloss.Color("#C8BDB8"))
	t.Focused.FocusedButton = t.Focused.FocusedButton.Background(ColorCopperPrimary).Foreground(lipgloss.Color("#FFF4EC"))
	t.Focused.BlurredButton = t.Focused.BlurredButton.Background(ColorBasalt).Foreground(ColorSlate)
	t.Focused.ErrorMessage = t.Focused.ErrorMessage.Foreground(ColorError)

	t.Blurred = t.Focused
	t.Blurred.Base = t.Blurred.Base.BorderStyle(lipgloss.HiddenBorder())

	return t
}

// PromptOption is one entry in a selection prompt.
type PromptOption struct {
	Label       string
	Description string
	Value       string
	Recommended bool
}

// Confirm asks a yes/no question. Non-interactive sessions get defaultYes
// without a prompt.
func Confirm(title, description string, defaultYes bool) (bool, error) {
	if !IsInteractive() {
		return defaultYes, nil
	}

	confirmed := defaultYes
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Proceed").
			Negative("Cancel").
			Value(&confirmed),
	)).WithTheme(claudeTheme())

	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

// Select asks the user to pick one option. Non-interactive sessions get the
// recommended option, or the first one when nothing is recommended.
func Select(title string, options []PromptOption) (string, error) {
	if len(options) == 0 {
		return "", ErrNoOptions
	}

	if !IsInteractive() {
		for _, opt := range options {
			if opt.Recommended {
				return opt.Value, nil
			}
		}
		return options[0].Value, nil
	}

	items := make([]huh.Option[string], 0, len(options))
	for _, opt := range options {
		label := opt.Label
		if opt.Description != "" {
			label = fmt.Sprintf("%s %s", label, Styles.Muted.Render(truncate(opt.Description, 48)))
		}
		if opt.Recommended {
			label = fmt.Sprintf("%s %s", label, Styles.Success.Render("(recommended)"))
		}
		items = append(items, huh.NewOption(label, opt.Value))
	}

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(title).
			Options(items...).
			Value(&choice),
	)).WithTheme(claudeTheme())

	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

// RollbackAction is the user's decision for a pending full rollback.
type RollbackAction string

const (
	RollbackActionProceed  RollbackAction = "proceed"
	RollbackActionCancel   RollbackAction = "cancel"
	RollbackActionShowMore RollbackAction = "show"
)

// RollbackPromptOptions describes the restore a full-rollback prompt is
// confirming.
type RollbackPromptOptions struct {
	// BackupID identifies the snapshot that will be restored.
	BackupID string

	// Created is the snapshot's creation time, already formatted.
	Created string

	// FileCount and DirCount summarize the snapshot's contents.
	FileCount int
	DirCount  int

	// Removals lists the current artifacts that will be deleted first.
	Removals []string
}

// PromptRollbackAction confirms a full rollback, letting the user inspect
// the paths that will be removed before deciding. Non-interactive sessions
// cancel; scripted callers skip the prompt entirely.
func PromptRollbackAction(opts RollbackPromptOptions) (RollbackAction, error) {
	if !IsInteractive() {
		return RollbackActionCancel, nil
	}

	description := fmt.Sprintf("%d files and %d directories from %s will replace the current tree",
		opts.FileCount, opts.DirCount, opts.Created)

	for {
		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Restore from %s?", truncate(opts.BackupID, 40))).
				Description(description).
				Options(
					huh.NewOption("Proceed with rollback", string(RollbackActionProceed)),
					huh.NewOption(fmt.Sprintf("Show affected paths (%d)", len(opts.Removals)), string(RollbackActionShowMore)),
					huh.NewOption("Cancel", string(RollbackActionCancel)),
				).
				Value(&choice),
		)).WithTheme(claudeTheme())

		if err := form.Run(); err != nil {
			return RollbackActionCancel, err
		}

		if choice == string(RollbackActionShowMore) {
			for _, rel := range opts.Removals {
				fmt.Printf("  %s %s\n", IconBullet, rel)
			}
			continue
		}
		return RollbackAction(choice), nil
	}
}
