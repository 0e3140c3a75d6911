package workflow

import (
	"errors"
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type FindingCode string

const (
	FindingMissingEntry    FindingCode = "missing_entry"
	FindingMissingExit     FindingCode = "missing_exit"
	FindingUnreachableExit FindingCode = "unreachable_exit"
	FindingDanglingEdge    FindingCode = "dangling_edge"
	FindingOrphanNode      FindingCode = "orphan_node"
	FindingDeadEnd         FindingCode = "dead_end"
	FindingDuplicatePort   FindingCode = "duplicate_port"
	FindingUnknownNodeType FindingCode = "unknown_node_type"
	FindingInvalidConfig   FindingCode = "invalid_config"
	FindingMissingConfig   FindingCode = "missing_required_config"
)

// Finding is one validation result. Errors block deployment, warnings never do.
type Finding struct {
	Code     FindingCode `json:"code"`
	Severity Severity    `json:"severity"`
	NodeID   string      `json:"node_id,omitempty"`
	EdgeID   string      `json:"edge_id,omitempty"`
	Field    string      `json:"field,omitempty"`
	Message  string      `json:"message"`
}

// Report collects every finding for a version.
type Report struct {
	VersionID string    `json:"version_id"`
	Errors    []Finding `json:"errors"`
	Warnings  []Finding `json:"warnings"`
}

// Valid reports whether the version may be deployed.
func (r Report) Valid() bool { return len(r.Errors) == 0 }

// AuthoringError is returned when an operation needs a valid graph and the
// version has validation errors.
type AuthoringError struct {
	VersionID string
	Findings  []Finding
}

func (e *AuthoringError) Error() string {
	codes := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		codes = append(codes, string(f.Code))
	}
	return fmt.Sprintf("workflow: version %s has %d validation error(s): %s", e.VersionID, len(e.Findings), strings.Join(codes, ", "))
}

// IsAuthoringError reports whether err carries validation findings.
func IsAuthoringError(err error) bool {
	var ae *AuthoringError
	return errors.As(err, &ae)
}

// Validator runs every rule against a version and returns all findings.
// Rules are independent; none short-circuits another.
type Validator struct {
	configs *ConfigValidator
	rules   []rule
}

type rule func(g *graph) []Finding

func NewValidator() *Validator {
	v := &Validator{configs: NewConfigValidator()}
	v.rules = []rule{
		ruleMissingEntry,
		ruleMissingExit,
		ruleUnreachableExit,
		ruleDanglingEdges,
		ruleOrphanNodes,
		ruleDeadEnds,
		ruleDuplicatePorts,
		v.ruleNodeConfigs,
	}
	return v
}

func (v *Validator) Validate(ver Version) Report {
	g := newGraph(ver)
	rep := Report{VersionID: ver.ID, Errors: []Finding{}, Warnings: []Finding{}}
	for _, r := range v.rules {
		for _, f := range r(g) {
			if f.Severity == SeverityError {
				rep.Errors = append(rep.Errors, f)
			} else {
				rep.Warnings = append(rep.Warnings, f)
			}
		}
	}
	return rep
}

type graph struct {
	ver      Version
	nodes    map[string]Node
	incoming map[string]int
	outgoing map[string][]Edge
}

func newGraph(ver Version) *graph {
	g := &graph{
		ver:      ver,
		nodes:    make(map[string]Node, len(ver.Nodes)),
		incoming: make(map[string]int),
		outgoing: make(map[string][]Edge),
	}
	for _, n := range ver.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range ver.Edges {
		g.incoming[e.TargetNodeID]++
		g.outgoing[e.SourceNodeID] = append(g.outgoing[e.SourceNodeID], e)
	}
	return g
}

func (g *graph) hasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

func ruleMissingEntry(g *graph) []Finding {
	for _, n := range g.ver.Nodes {
		if n.IsEntry {
			return nil
		}
	}
	return []Finding{{Code: FindingMissingEntry, Severity: SeverityError, Message: "no node is flagged as entry"}}
}

func ruleMissingExit(g *graph) []Finding {
	for _, n := range g.ver.Nodes {
		if n.Type.IsTerminal() {
			return nil
		}
	}
	return []Finding{{Code: FindingMissingExit, Severity: SeverityError, Message: "no terminal node (end_call, external_transfer, queue_transfer)"}}
}

// ruleUnreachableExit only fires when entries and terminals both exist; the
// missing cases are reported by their own rules.
func ruleUnreachableExit(g *graph) []Finding {
	var queue []string
	hasTerminal := false
	for _, n := range g.ver.Nodes {
		if n.IsEntry {
			queue = append(queue, n.ID)
		}
		if n.Type.IsTerminal() {
			hasTerminal = true
		}
	}
	if len(queue) == 0 || !hasTerminal {
		return nil
	}

	seen := make(map[string]bool, len(g.nodes))
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if g.nodes[id].Type.IsTerminal() {
			return nil
		}
		for _, e := range g.outgoing[id] {
			if !g.hasNode(e.TargetNodeID) || seen[e.TargetNodeID] {
				continue
			}
			seen[e.TargetNodeID] = true
			queue = append(queue, e.TargetNodeID)
		}
	}
	return []Finding{{Code: FindingUnreachableExit, Severity: SeverityError, Message: "no terminal node is reachable from an entry node"}}
}

func ruleDanglingEdges(g *graph) []Finding {
	var out []Finding
	for _, e := range g.ver.Edges {
		var missing []string
		if !g.hasNode(e.SourceNodeID) {
			missing = append(missing, "source "+e.SourceNodeID)
		}
		if !g.hasNode(e.TargetNodeID) {
			missing = append(missing, "target "+e.TargetNodeID)
		}
		if len(missing) == 0 {
			continue
		}
		out = append(out, Finding{
			Code:     FindingDanglingEdge,
			Severity: SeverityError,
			EdgeID:   e.ID,
			Message:  "edge references unknown " + strings.Join(missing, " and "),
		})
	}
	return out
}

func ruleOrphanNodes(g *graph) []Finding {
	var out []Finding
	for _, n := range g.ver.Nodes {
		if n.IsEntry || g.incoming[n.ID] > 0 {
			continue
		}
		out = append(out, Finding{Code: FindingOrphanNode, Severity: SeverityWarning, NodeID: n.ID, Message: "node has no incoming edge"})
	}
	return out
}

func ruleDeadEnds(g *graph) []Finding {
	var out []Finding
	for _, n := range g.ver.Nodes {
		if n.Type.IsTerminal() || len(g.outgoing[n.ID]) > 0 {
			continue
		}
		out = append(out, Finding{Code: FindingDeadEnd, Severity: SeverityWarning, NodeID: n.ID, Message: "non-terminal node has no outgoing edge"})
	}
	return out
}

func ruleDuplicatePorts(g *graph) []Finding {
	var out []Finding
	for _, n := range g.ver.Nodes {
		seen := map[string]bool{}
		for _, e := range g.outgoing[n.ID] {
			if seen[e.SourcePort] {
				out = append(out, Finding{
					Code:     FindingDuplicatePort,
					Severity: SeverityWarning,
					NodeID:   n.ID,
					EdgeID:   e.ID,
					Message:  fmt.Sprintf("port %q has more than one edge; the first one wins", e.SourcePort),
				})
				continue
			}
			seen[e.SourcePort] = true
		}
	}
	return out
}

func (v *Validator) ruleNodeConfigs(g *graph) []Finding {
	var out []Finding
	for _, n := range g.ver.Nodes {
		cfg, err := DecodeConfig(n.Type, n.Config)
		switch {
		case errors.Is(err, ErrUnknownNodeType):
			out = append(out, Finding{Code: FindingUnknownNodeType, Severity: SeverityError, NodeID: n.ID, Message: err.Error()})
			continue
		case err != nil:
			out = append(out, Finding{Code: FindingInvalidConfig, Severity: SeverityError, NodeID: n.ID, Message: err.Error()})
			continue
		}
		for _, fe := range v.configs.Check(cfg) {
			out = append(out, Finding{
				Code:     FindingMissingConfig,
				Severity: SeverityError,
				NodeID:   n.ID,
				Field:    fe.Field,
				Message:  fmt.Sprintf("%s config field %q failed %q", n.Type, fe.Field, fe.Rule),
			})
		}
	}
	return out
}
