package actions

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type catalogEntry struct {
	Category    string   `yaml:"category"`
	Description string   `yaml:"description"`
	Examples    []string `yaml:"examples"`
}

var nodeTypes = []string{"supplier", "factory", "warehouse", "distribution_center", "retailer"}

// RegisterBuiltins registers the supply-network action catalog.
func RegisterBuiltins(r *Registry) error {
	var catalog map[string]catalogEntry
	if err := yaml.Unmarshal(catalogYAML, &catalog); err != nil {
		return fmt.Errorf("parse action catalog: %w", err)
	}

	for _, a := range builtins(r) {
		entry, ok := catalog[a.Name]
		if !ok {
			return fmt.Errorf("action %s missing from catalog", a.Name)
		}
		a.Category = entry.Category
		a.Description = entry.Description
		a.Examples = entry.Examples
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func builtins(r *Registry) []*Action {
	nonNegative := func(v any) error {
		if f, _ := v.(float64); f < 0 {
			return fmt.Errorf("must not be negative")
		}
		return nil
	}

	return []*Action{
		{
			Name:    "help",
			Execute: helpAction(r),
		},
		{
			Name: "add_node",
			Params: []Param{
				{Name: "name", Type: TypeString, Required: true},
				{Name: "type", Type: TypeString, DefaultValue: "supplier", Validate: validNodeType},
				{Name: "capacity", Type: TypeNumber, Validate: nonNegative},
				{Name: "location", Type: TypeString},
			},
			Execute: addNode,
		},
		{
			Name: "update_node",
			Params: []Param{
				{Name: "name", Type: TypeString, Required: true},
				{Name: "capacity", Type: TypeNumber, Validate: nonNegative},
				{Name: "type", Type: TypeString, Validate: validNodeType},
				{Name: "location", Type: TypeString},
			},
			Execute: updateNode,
		},
		{
			Name:    "remove_node",
			Params:  []Param{{Name: "name", Type: TypeString, Required: true}},
			Execute: removeNode,
		},
		{
			Name: "connect_nodes",
			Params: []Param{
				{Name: "source", Type: TypeString, Required: true},
				{Name: "target", Type: TypeString, Required: true},
				{Name: "lead_time_days", Type: TypeNumber, DefaultValue: 1.0, Validate: nonNegative},
			},
			Execute: connectNodes,
		},
		{
			Name:    "list_nodes",
			Params:  []Param{{Name: "type", Type: TypeString}},
			Execute: listNodes,
		},
		{
			Name: "run_simulation",
			Params: []Param{
				{Name: "name", Type: TypeString, DefaultValue: "baseline"},
				{Name: "demand_change_pct", Type: TypeNumber, DefaultValue: 0.0},
			},
			Execute: runSimulation,
		},
	}
}

func validNodeType(v any) error {
	s := normalizeType(fmt.Sprint(v))
	for _, t := range nodeTypes {
		if s == t {
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", strings.Join(nodeTypes, ", "))
}

func normalizeType(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

func str(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func num(params map[string]any, key string) (float64, bool) {
	f, ok := params[key].(float64)
	return f, ok
}

func helpAction(r *Registry) ExecuteFunc {
	return func(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error) {
		var lines []string
		var names []string
		for _, a := range r.List() {
			if a.Name == "help" {
				continue
			}
			names = append(names, a.Name)
			example := ""
			if len(a.Examples) > 0 {
				example = fmt.Sprintf(" (e.g. %q)", a.Examples[0])
			}
			lines = append(lines, fmt.Sprintf("- %s%s", a.Description, example))
		}
		return &Result{
			Success: true,
			Message: "Here is what I can do:\n" + strings.Join(lines, "\n"),
			Data:    map[string]any{"actions": names},
		}, nil
	}
}

func addNode(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error) {
	name := str(params, "name")
	if _, exists := dc.Network.FindNode(name); exists {
		return &Result{
			Success:     false,
			Error:       fmt.Sprintf("a node named %q already exists", name),
			Suggestions: []string{fmt.Sprintf("Update %s instead", name)},
		}, nil
	}

	node := Node{
		ID:       nodeID(name),
		Name:     name,
		Type:     normalizeType(str(params, "type")),
		Location: str(params, "location"),
	}
	if c, ok := num(params, "capacity"); ok {
		node.Capacity = c
	}
	dc.Network.Nodes = append(dc.Network.Nodes, node)

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Added %s %q.", strings.ReplaceAll(node.Type, "_", " "), node.Name),
		Data:    map[string]any{"node": node, "node_count": len(dc.Network.Nodes)},
		Suggestions: []string{
			fmt.Sprintf("Connect %s to a warehouse", node.Name),
			"Run a simulation",
		},
	}, nil
}

func updateNode(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error) {
	name := str(params, "name")
	node, ok := dc.Network.FindNode(name)
	if !ok {
		return nil, fmt.Errorf("node %q: %w", name, ErrNotFound)
	}

	var changed []string
	if c, ok := num(params, "capacity"); ok {
		node.Capacity = c
		changed = append(changed, fmt.Sprintf("capacity=%g", c))
	}
	if t := str(params, "type"); t != "" {
		node.Type = normalizeType(t)
		changed = append(changed, "type="+node.Type)
	}
	if l := str(params, "location"); l != "" {
		node.Location = l
		changed = append(changed, "location="+l)
	}
	if len(changed) == 0 {
		return nil, fmt.Errorf("nothing to update: %w", ErrInvalidParams)
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Updated %q (%s).", node.Name, strings.Join(changed, ", ")),
		Data:    map[string]any{"node": *node},
	}, nil
}

func removeNode(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error) {
	name := str(params, "name")
	node, ok := dc.Network.FindNode(name)
	if !ok {
		return nil, fmt.Errorf("node %q: %w", name, ErrNotFound)
	}
	removed := *node
	dc.Network.removeNode(node.ID)
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Removed %q and its routes.", removed.Name),
		Data:    map[string]any{"node": removed},
	}, nil
}

func connectNodes(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error) {
	src, ok := dc.Network.FindNode(str(params, "source"))
	if !ok {
		return nil, fmt.Errorf("source %q: %w", str(params, "source"), ErrNotFound)
	}
	dst, ok := dc.Network.FindNode(str(params, "target"))
	if !ok {
		return nil, fmt.Errorf("target %q: %w", str(params, "target"), ErrNotFound)
	}
	if src.ID == dst.ID {
		return &Result{Success: false, Error: "a node cannot be connected to itself"}, nil
	}
	if dc.Network.hasEdge(src.ID, dst.ID) {
		return &Result{Success: true, Message: fmt.Sprintf("%q already ships to %q.", src.Name, dst.Name)}, nil
	}

	lead, _ := num(params, "lead_time_days")
	edge := Edge{
		ID:           fmt.Sprintf("edge:%s>%s", strings.TrimPrefix(src.ID, "node:"), strings.TrimPrefix(dst.ID, "node:")),
		From:         src.ID,
		To:           dst.ID,
		LeadTimeDays: lead,
	}
	dc.Network.Edges = append(dc.Network.Edges, edge)

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Connected %q to %q (lead time %g days).", src.Name, dst.Name, lead),
		Data:    map[string]any{"edge": edge},
	}, nil
}

func listNodes(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error) {
	filter := normalizeType(str(params, "type"))
	filter = strings.TrimSuffix(filter, "s")

	var nodes []Node
	for _, n := range dc.Network.Nodes {
		if filter == "" || n.Type == filter {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	if len(nodes) == 0 {
		return &Result{Success: true, Message: "The network has no matching nodes yet.", Data: map[string]any{"nodes": []Node{}}}, nil
	}
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("%d node(s): %s.", len(nodes), strings.Join(names, ", ")),
		Data:    map[string]any{"nodes": nodes},
	}, nil
}

// runSimulation compares installed capacity against projected demand.
// Baseline demand is 80% of capacity; demand_change_pct shifts it.
func runSimulation(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error) {
	if len(dc.Network.Nodes) == 0 {
		return &Result{
			Success:     false,
			Error:       "the network is empty",
			Suggestions: []string{"Add a supplier first"},
		}, nil
	}

	var capacity float64
	for _, n := range dc.Network.Nodes {
		if n.Type == "supplier" || n.Type == "factory" {
			capacity += n.Capacity
		}
	}
	change, _ := num(params, "demand_change_pct")
	demand := capacity * 0.8 * (1 + change/100)

	service := 1.0
	if demand > 0 && capacity < demand {
		service = capacity / demand
	}
	sim := Simulation{
		ID:              fmt.Sprintf("sim-%d", len(dc.Network.Simulations)+1),
		Name:            str(params, "name"),
		DemandChange:    change,
		TotalCapacity:   capacity,
		ProjectedDemand: math.Round(demand),
		ServiceLevel:    math.Round(service*1000) / 1000,
		Shortfall:       math.Max(0, math.Round(demand-capacity)),
		RanAt:           time.Now().UTC(),
	}
	dc.Network.Simulations = append(dc.Network.Simulations, sim)

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Simulation %q: service level %.1f%% with a shortfall of %g units.", sim.Name, sim.ServiceLevel*100, sim.Shortfall),
		Data:    map[string]any{"simulation": sim},
	}, nil
}
