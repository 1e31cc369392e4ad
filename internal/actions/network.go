package actions

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DomainContext is the per-request snapshot an action executes against.
// Actions mutate Network in place; the caller persists it afterwards.
type DomainContext struct {
	UserID         string
	ConversationID string
	Network        *Network
}

// Network is the supply network a conversation is editing.
type Network struct {
	Nodes       []Node       `json:"nodes"`
	Edges       []Edge       `json:"edges"`
	Simulations []Simulation `json:"simulations"`
}

type Node struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Capacity float64 `json:"capacity,omitempty"`
	Location string  `json:"location,omitempty"`
}

type Edge struct {
	ID           string  `json:"id"`
	From         string  `json:"from"`
	To           string  `json:"to"`
	LeadTimeDays float64 `json:"lead_time_days"`
}

type Simulation struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	DemandChange    float64   `json:"demand_change_pct"`
	ServiceLevel    float64   `json:"service_level"`
	Shortfall       float64   `json:"shortfall"`
	TotalCapacity   float64   `json:"total_capacity"`
	ProjectedDemand float64   `json:"projected_demand"`
	RanAt           time.Time `json:"ran_at"`
}

// DecodeNetwork parses a stored snapshot; an empty string is an empty network.
func DecodeNetwork(raw string) (*Network, error) {
	n := &Network{}
	if strings.TrimSpace(raw) == "" {
		return n, nil
	}
	if err := json.Unmarshal([]byte(raw), n); err != nil {
		return nil, fmt.Errorf("decode network: %w", err)
	}
	return n, nil
}

func (n *Network) Encode() (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nodeID(name string) string {
	return "node:" + strings.ToLower(strings.Join(strings.Fields(name), "-"))
}

// FindNode looks a node up by name, case-insensitively.
func (n *Network) FindNode(name string) (*Node, bool) {
	id := nodeID(name)
	for i := range n.Nodes {
		if n.Nodes[i].ID == id {
			return &n.Nodes[i], true
		}
	}
	return nil, false
}

func (n *Network) removeNode(id string) {
	nodes := n.Nodes[:0]
	for _, nd := range n.Nodes {
		if nd.ID != id {
			nodes = append(nodes, nd)
		}
	}
	n.Nodes = nodes

	edges := n.Edges[:0]
	for _, e := range n.Edges {
		if e.From != id && e.To != id {
			edges = append(edges, e)
		}
	}
	n.Edges = edges
}

func (n *Network) hasEdge(from, to string) bool {
	for _, e := range n.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}
