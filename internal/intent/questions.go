package intent

import (
	"fmt"
	"sort"
	"strings"
)

const genericHelp = "I'm not sure what you'd like to do. I can add, update or remove suppliers, warehouses and other nodes, connect them, list the network, or run a simulation. What would you like to do?"

var affirmative = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "yup": {}, "sure": {}, "ok": {}, "okay": {},
	"correct": {}, "right": {}, "confirm": {}, "confirmed": {}, "please do": {},
	"do it": {}, "go ahead": {}, "yes please": {}, "that's right": {}, "exactly": {},
}

var negative = map[string]struct{}{
	"no": {}, "n": {}, "nope": {}, "nah": {}, "cancel": {}, "wrong": {},
	"not that": {}, "no thanks": {}, "never mind": {}, "nevermind": {}, "stop": {},
}

func normalizeReply(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!? ")
}

func isAffirmative(s string) bool {
	_, ok := affirmative[normalizeReply(s)]
	return ok
}

func isNegative(s string) bool {
	_, ok := negative[normalizeReply(s)]
	return ok
}

// GenerateClarificationQuestion picks a question by cause. An upstream
// question is reused verbatim.
func GenerateClarificationQuestion(c *Classification) string {
	if c == nil {
		return genericHelp
	}
	if q := strings.TrimSpace(c.ClarificationQuestion); q != "" {
		return q
	}
	if c.Intent == "" || c.Intent == IntentUnknown {
		return genericHelp
	}
	if len(c.MissingParameters) > 0 {
		return "I need: " + strings.Join(c.MissingParameters, ", ")
	}
	return fmt.Sprintf("Just to confirm, do you want me to %s?", describe(c))
}

// describe renders "add node (name: Acme, type: supplier)".
func describe(c *Classification) string {
	action := strings.ReplaceAll(c.Intent, "_", " ")
	if len(c.Parameters) == 0 {
		return action
	}
	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, c.Parameters[k]))
	}
	return fmt.Sprintf("%s (%s)", action, strings.Join(parts, ", "))
}
