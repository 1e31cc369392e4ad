// Package reference tracks entities mentioned in recent turns and rewrites
// pronouns into explicit mentions before a message is classified.
package reference

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

type EntityType string

const (
	EntityNode          EntityType = "node"
	EntityEdge          EntityType = "edge"
	EntitySimulation    EntityType = "simulation"
	EntityConfiguration EntityType = "configuration"
	EntityAction        EntityType = "action"
	EntityAlert         EntityType = "alert"
)

type TrackedEntity struct {
	Type        EntityType `json:"type"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	MentionedAt time.Time  `json:"mentioned_at"`
}

// Context is the entity set folded from a conversation, least recent first.
// The Last* fields hold entity ids.
type Context struct {
	Entities       []TrackedEntity `json:"entities"`
	LastNode       string          `json:"last_node,omitempty"`
	LastSimulation string          `json:"last_simulation,omitempty"`
	LastAction     string          `json:"last_action,omitempty"`
}

// Turn is one prior message.
type Turn struct {
	Text string
	At   time.Time
}

const namePattern = `(?:"([^"]+)"|([A-Za-z0-9][\w.-]*))`

var patterns = []struct {
	typ EntityType
	re  *regexp.Regexp
}{
	{EntityNode, regexp.MustCompile(`(?i)\b(?:supplier|warehouse|factory|plant|distribution center|dc|retailer|store|node)\s+(?:(?:named|called)\s+)?` + namePattern)},
	{EntitySimulation, regexp.MustCompile(`(?i)\b(?:simulation|scenario)\s+(?:(?:named|called)\s+)?` + namePattern)},
	{EntityConfiguration, regexp.MustCompile(`(?i)\b(?:configuration|config|setting)\s+(?:(?:named|called)\s+)?` + namePattern)},
	{EntityAction, regexp.MustCompile(`(?i)\baction\s+(?:(?:named|called)\s+)?` + namePattern)},
	{EntityAlert, regexp.MustCompile(`(?i)\balert\s+(?:(?:named|called)\s+)?` + namePattern)},
}

var edgePattern = regexp.MustCompile(`(?i)\b(?:route|lane|edge|connection)\s+(?:from\s+)?([A-Za-z0-9][\w-]*)\s+to\s+([A-Za-z0-9][\w-]*)`)

var pronounPattern = regexp.MustCompile(`(?i)\b(it|that|this|them|those|these)\b`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "with": {}, "and": {}, "or": {},
	"of": {}, "for": {}, "in": {}, "at": {}, "on": {}, "from": {}, "by": {},
	"named": {}, "called": {}, "is": {}, "has": {}, "as": {}, "capacity": {},
	"it": {}, "that": {}, "this": {}, "them": {}, "those": {}, "these": {},
	"node": {}, "nodes": {}, "run": {}, "results": {}, "again": {},
}

type match struct {
	pos int
	e   TrackedEntity
}

// ExtractEntities scans text for entity mentions in order of appearance.
// MentionedAt is left zero.
func ExtractEntities(text string) []TrackedEntity {
	var found []match
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			n := captured(text, m)
			if n == "" {
				continue
			}
			found = append(found, match{pos: m[0], e: entity(p.typ, n)})
		}
	}
	for _, m := range edgePattern.FindAllStringSubmatchIndex(text, -1) {
		from, to := text[m[2]:m[3]], text[m[4]:m[5]]
		if isStopword(from) || isStopword(to) {
			continue
		}
		found = append(found, match{pos: m[0], e: TrackedEntity{
			Type: EntityEdge,
			ID:   string(EntityEdge) + ":" + strings.ToLower(from) + ">" + strings.ToLower(to),
			Name: from + " to " + to,
		}})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	out := make([]TrackedEntity, 0, len(found))
	for _, f := range found {
		out = append(out, f.e)
	}
	return out
}

// captured returns the quoted (group 1) or bare (group 2) name.
func captured(text string, m []int) string {
	for _, g := range []int{1, 2} {
		if m[2*g] < 0 {
			continue
		}
		s := strings.TrimSpace(text[m[2*g]:m[2*g+1]])
		s = strings.TrimRight(s, ".")
		if s == "" || isStopword(s) {
			return ""
		}
		return s
	}
	return ""
}

func isStopword(s string) bool {
	_, ok := stopwords[strings.ToLower(s)]
	return ok
}

func entity(t EntityType, n string) TrackedEntity {
	return TrackedEntity{Type: t, ID: string(t) + ":" + strings.ToLower(n), Name: n}
}

// TrackEntities folds extraction over history, oldest turn first.
func TrackEntities(history []Turn) *Context {
	c := &Context{}
	for _, t := range history {
		c.Track(t.Text, t.At)
	}
	return c
}

// Track records every mention in text at time at. A re-mention moves the
// entity to the most recent position and refreshes its name.
func (c *Context) Track(text string, at time.Time) {
	for _, e := range ExtractEntities(text) {
		e.MentionedAt = at
		c.upsert(e)
		switch e.Type {
		case EntityNode:
			c.LastNode = e.ID
		case EntitySimulation:
			c.LastSimulation = e.ID
		case EntityAction:
			c.LastAction = e.ID
		}
	}
}

func (c *Context) upsert(e TrackedEntity) {
	for i := range c.Entities {
		if c.Entities[i].ID == e.ID {
			c.Entities = append(c.Entities[:i], c.Entities[i+1:]...)
			break
		}
	}
	c.Entities = append(c.Entities, e)
}

func (c *Context) lookup(id string) (TrackedEntity, bool) {
	if id == "" {
		return TrackedEntity{}, false
	}
	for _, e := range c.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return TrackedEntity{}, false
}

// MostRecent returns the latest mentioned entity of any type.
func (c *Context) MostRecent() (TrackedEntity, bool) {
	if c == nil || len(c.Entities) == 0 {
		return TrackedEntity{}, false
	}
	return c.Entities[len(c.Entities)-1], true
}

// ContainsPronouns reports a whole-word, case-insensitive pronoun match.
func ContainsPronouns(text string) bool {
	return pronounPattern.MatchString(text)
}

// ResolveReferences replaces pronouns with `<type> "<name>"`.
//
// Singular pronouns bind to the last node, then the last simulation, then the
// most recent entity. Plural pronouns only bind to the single most recent
// entity; there is no multi-entity binding.
func ResolveReferences(text string, c *Context) string {
	if c == nil || len(c.Entities) == 0 {
		return text
	}
	return pronounPattern.ReplaceAllStringFunc(text, func(p string) string {
		var (
			e  TrackedEntity
			ok bool
		)
		switch strings.ToLower(p) {
		case "them", "those", "these":
			e, ok = c.MostRecent()
		default:
			if e, ok = c.lookup(c.LastNode); !ok {
				if e, ok = c.lookup(c.LastSimulation); !ok {
					e, ok = c.MostRecent()
				}
			}
		}
		if !ok {
			return p
		}
		return string(e.Type) + ` "` + e.Name + `"`
	})
}

// PruneOldEntities drops entities mentioned before now-maxAge and returns
// how many were removed. Last pointers are moved to the newest survivor of
// their type.
func PruneOldEntities(c *Context, maxAge time.Duration, now time.Time) int {
	if c == nil {
		return 0
	}
	cutoff := now.Add(-maxAge)
	kept := c.Entities[:0]
	for _, e := range c.Entities {
		if !e.MentionedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(c.Entities) - len(kept)
	c.Entities = kept

	c.LastNode, c.LastSimulation, c.LastAction = "", "", ""
	for _, e := range c.Entities {
		switch e.Type {
		case EntityNode:
			c.LastNode = e.ID
		case EntitySimulation:
			c.LastSimulation = e.ID
		case EntityAction:
			c.LastAction = e.ID
		}
	}
	return removed
}

// Resolver binds the fold, prune and rewrite steps with a clock.
type Resolver struct {
	MaxAge time.Duration
	Now    func() time.Time
}

func NewResolver(maxAge time.Duration) *Resolver {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Resolver{MaxAge: maxAge, Now: time.Now}
}

// Resolve rewrites pronouns in text using entities from history.
func (r *Resolver) Resolve(text string, history []Turn) (string, *Context) {
	c := TrackEntities(history)
	PruneOldEntities(c, r.MaxAge, r.Now())
	if !ContainsPronouns(text) {
		return text, c
	}
	return ResolveReferences(text, c), c
}
