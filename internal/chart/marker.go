// Package chart finds chart generation markers, `[GENERATE_CHART: <prompt>]`, inside assistant text.
//
// All functions are pure and rescan the whole text on every call, so callers can run them after every
// streamed delta without tracking partially received markers.
package chart

import (
	"regexp"
	"strings"
)

var (
	markerPattern = regexp.MustCompile(`\[GENERATE_CHART:([^\]]*)\]`)
	// partialPattern matches a marker that was opened but not closed yet, at the end of the text.
	partialPattern = regexp.MustCompile(`\[GENERATE_CHART:[^\]]*$`)
)

// Segment is a piece of rendered assistant text: either prose or a chart slot.
type Segment struct {
	// Prose is set for prose segments.
	Prose string
	// Prompt is set for chart slots.
	Prompt string
}

// IsChart reports whether the segment is a chart slot.
func (s Segment) IsChart() bool {
	return s.Prompt != ""
}

// Scan returns the prompts of every complete marker in text, in order of first appearance, skipping
// duplicates and the prompts for which seen returns true. A nil seen skips nothing.
func Scan(text string, seen func(prompt string) bool) []string {
	var prompts []string
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		prompt := strings.TrimSpace(m[1])
		if prompt == "" || contains(prompts, prompt) {
			continue
		}
		if seen != nil && seen(prompt) {
			continue
		}
		prompts = append(prompts, prompt)
	}
	return prompts
}

// Prose returns text without its markers. A trailing marker that is not closed yet is removed too.
func Prose(text string) string {
	text = markerPattern.ReplaceAllString(text, "")
	return partialPattern.ReplaceAllString(text, "")
}

// Segments splits text into prose and chart slots. Each distinct prompt gets a single slot, at the
// position of its first marker. Whitespace-only prose between markers is dropped.
func Segments(text string) []Segment {
	var (
		segments []Segment
		prompts  []string
		last     int
	)
	addProse := func(s string) {
		if strings.TrimSpace(s) != "" {
			segments = append(segments, Segment{Prose: s})
		}
	}

	for _, loc := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		addProse(text[last:loc[0]])
		last = loc[1]

		prompt := strings.TrimSpace(text[loc[2]:loc[3]])
		if prompt == "" || contains(prompts, prompt) {
			continue
		}
		prompts = append(prompts, prompt)
		segments = append(segments, Segment{Prompt: prompt})
	}
	addProse(partialPattern.ReplaceAllString(text[last:], ""))

	return segments
}

func contains(prompts []string, prompt string) bool {
	for _, p := range prompts {
		if p == prompt {
			return true
		}
	}
	return false
}
