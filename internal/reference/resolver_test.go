package reference

import (
	"testing"
	"time"
)

func TestExtractEntities(t *testing.T) {
	got := ExtractEntities(`Connect supplier ABC to warehouse XYZ and rerun simulation "Q3 peak"`)
	want := []struct {
		typ  EntityType
		id   string
		name string
	}{
		{EntityNode, "node:abc", "ABC"},
		{EntityNode, "node:xyz", "XYZ"},
		{EntitySimulation, "simulation:q3 peak", "Q3 peak"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entities, got %+v", len(want), got)
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].ID != w.id || got[i].Name != w.name {
			t.Fatalf("entity %d: expected %+v, got %+v", i, w, got[i])
		}
	}

	if es := ExtractEntities("Add a supplier named Acme Corp"); len(es) != 1 || es[0].Name != "Acme" {
		t.Fatalf("unexpected extraction %+v", es)
	}
	if es := ExtractEntities("add a route from Acme to XYZ"); len(es) != 1 || es[0].ID != "edge:acme>xyz" {
		t.Fatalf("unexpected edge extraction %+v", es)
	}
	if es := ExtractEntities("update the supplier with more capacity"); len(es) != 0 {
		t.Fatalf("stopwords must not become names: %+v", es)
	}
}

func TestTrackEntities_LaterMentionWins(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := TrackEntities([]Turn{
		{Text: "add supplier Acme", At: t0},
		{Text: "add warehouse XYZ", At: t0.Add(time.Second)},
		{Text: "set supplier acme capacity to 10", At: t0.Add(2 * time.Second)},
	})

	if len(c.Entities) != 2 {
		t.Fatalf("expected unique entities by id, got %+v", c.Entities)
	}
	last, _ := c.MostRecent()
	if last.ID != "node:acme" || last.Name != "acme" || !last.MentionedAt.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("re-mention should refresh entity, got %+v", last)
	}
	if c.LastNode != "node:acme" {
		t.Fatalf("expected last node acme, got %q", c.LastNode)
	}
}

func TestContainsPronouns_WholeWord(t *testing.T) {
	cases := map[string]bool{
		"Update it with capacity": true,
		"connect THEM":            true,
		"iterate the items":       false,
		"thistle and thatch":      false,
	}
	for text, want := range cases {
		if got := ContainsPronouns(text); got != want {
			t.Fatalf("%q: expected %v", text, want)
		}
	}
}

func TestResolveReferences(t *testing.T) {
	t0 := time.Now()

	c := TrackEntities([]Turn{{Text: "Add a supplier named Acme Corp", At: t0}})
	if got := ResolveReferences("Update it with capacity of 10000 units", c); got != `Update node "Acme" with capacity of 10000 units` {
		t.Fatalf("unexpected resolution %q", got)
	}

	c = TrackEntities([]Turn{
		{Text: "add supplier ABC", At: t0},
		{Text: "run simulation baseline", At: t0},
	})
	if got := ResolveReferences("change it", c); got != `change node "ABC"` {
		t.Fatalf("singular pronouns prefer the last node, got %q", got)
	}
	if got := ResolveReferences("compare those", c); got != `compare simulation "baseline"` {
		t.Fatalf("plural pronouns bind the most recent entity, got %q", got)
	}

	c = TrackEntities([]Turn{{Text: "open alert A17", At: t0}, {Text: "run simulation s1", At: t0}})
	if got := ResolveReferences("rerun this", c); got != `rerun simulation "s1"` {
		t.Fatalf("expected fallback to last simulation, got %q", got)
	}

	if got := ResolveReferences("update it", &Context{}); got != "update it" {
		t.Fatalf("empty context must leave text unchanged, got %q", got)
	}
}

func TestPruneOldEntities(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := TrackEntities([]Turn{
		{Text: "add supplier Old", At: now.Add(-11 * time.Minute)},
		{Text: "add warehouse New", At: now.Add(-time.Minute)},
		{Text: "update supplier Old capacity", At: now.Add(-20 * time.Minute)},
	})

	if n := PruneOldEntities(c, 10*time.Minute, now); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if c.LastNode != "node:new" {
		t.Fatalf("last node should move to the survivor, got %q", c.LastNode)
	}
}

func TestResolver_Resolve(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(10 * time.Minute)
	r.Now = func() time.Time { return now }

	history := []Turn{{Text: "add supplier Stale", At: now.Add(-time.Hour)}}
	if got, _ := r.Resolve("delete it", history); got != "delete it" {
		t.Fatalf("entities past max age must not bind, got %q", got)
	}

	history = append(history, Turn{Text: "add factory Plant-7", At: now})
	if got, _ := r.Resolve("delete it", history); got != `delete node "Plant-7"` {
		t.Fatalf("unexpected %q", got)
	}
}
