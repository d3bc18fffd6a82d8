// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the terminal output helpers used by the CLI:
// colored headers, labels, and status lines. Color is disabled when the
// output is not a TTY, when NO_COLOR is set, or via --no-color.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	labelColor   = color.New(color.Bold)
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.Faint)
	countColor   = color.New(color.FgCyan)
)

// InitColors enables or disables color output. Colors are off when
// noColor is set or stdout is not a terminal.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Header prints a bold section header followed by an underline.
func Header(text string) {
	fmt.Println()
	headerColor.Println(text)
	headerColor.Println(rule(len(text)))
}

// SubHeader prints a bold subsection title.
func SubHeader(text string) {
	labelColor.Println(text)
}

// Label returns a bold field label for aligned key/value output.
func Label(text string) string {
	return labelColor.Sprint(text)
}

// CountText returns a highlighted count for statistics output.
func CountText(n int) string {
	return countColor.Sprintf("%d", n)
}

// DimText returns de-emphasized text, for paths and secondary detail.
func DimText(text string) string {
	return dimColor.Sprint(text)
}

// Cyan returns text in the accent color.
func Cyan(text string) string {
	return countColor.Sprint(text)
}

// Green returns text in the success color.
func Green(text string) string {
	return successColor.Sprint(text)
}

// Yellow returns text in the warning color.
func Yellow(text string) string {
	return warningColor.Sprint(text)
}

// Red returns text in the error color.
func Red(text string) string {
	return errorColor.Sprint(text)
}

// Dim prints a de-emphasized line.
func Dim(text string) {
	dimColor.Println(text)
}

// Info prints a neutral informational line.
func Info(text string) {
	fmt.Println(text)
}

// Infof prints a formatted informational line.
func Infof(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

// Success prints a line with a green check mark.
func Success(text string) {
	fmt.Printf("%s %s\n", successColor.Sprint("✓"), text)
}

// Successf prints a formatted line with a green check mark.
func Successf(format string, args ...interface{}) {
	Success(fmt.Sprintf(format, args...))
}

// Warning prints a line with a yellow warning marker to stderr.
func Warning(text string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warningColor.Sprint("⚠"), text)
}

// Warningf prints a formatted warning line to stderr.
func Warningf(format string, args ...interface{}) {
	Warning(fmt.Sprintf(format, args...))
}

// Error prints a line with a red error marker to stderr.
func Error(text string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorColor.Sprint("✗"), text)
}

// Errorf prints a formatted error line to stderr.
func Errorf(format string, args ...interface{}) {
	Error(fmt.Sprintf(format, args...))
}

func rule(n int) string {
	if n <= 0 {
		n = 1
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = '-'
	}
	return string(out)
}
