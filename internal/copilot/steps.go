package copilot

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numberedMarker = regexp.MustCompile(`(?:^|\s)(\d+)[.)]\s+`)
	linkingPhrase  = regexp.MustCompile(`(?i)\s*,?\s*\b(?:and then|after that)\b\s*,?\s*`)
)

// SplitSteps splits a message into ordered steps on numbered markers
// ("1. ... 2. ..."), semicolons, or "and then" / "after that". Anything
// else is a single step.
func SplitSteps(message string) []string {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}
	if steps := splitNumbered(message); len(steps) >= 2 {
		return steps
	}
	if steps := nonEmpty(strings.Split(message, ";")); len(steps) >= 2 {
		return steps
	}
	if steps := nonEmpty(linkingPhrase.Split(message, -1)); len(steps) >= 2 {
		return steps
	}
	return []string{message}
}

// splitNumbered only honours markers numbered 1, 2, 3... in order, so a
// figure like "capacity 10. " inside a step is not taken as a marker.
func splitNumbered(message string) []string {
	var cuts [][2]int // marker start, text start
	next := 1
	for _, m := range numberedMarker.FindAllStringSubmatchIndex(message, -1) {
		n, err := strconv.Atoi(message[m[2]:m[3]])
		if err != nil || n != next {
			continue
		}
		cuts = append(cuts, [2]int{m[0], m[1]})
		next++
	}
	if len(cuts) < 2 {
		return nil
	}
	var parts []string
	for i, c := range cuts {
		end := len(message)
		if i+1 < len(cuts) {
			end = cuts[i+1][0]
		}
		parts = append(parts, message[c[1]:end])
	}
	return nonEmpty(parts)
}

func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(strings.TrimSpace(p), ",."); p != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}
