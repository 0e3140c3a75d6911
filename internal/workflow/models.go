package workflow

import (
	"encoding/json"
	"time"
)

// Workflow is a named unit of call-routing logic owned by a workspace.
//
// Status is administrative and independent of version flags: a workflow can
// have an active version and still be INACTIVE.
type Workflow struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`

	Status Status `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusArchived Status = "ARCHIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	default:
		return false
	}
}

// Version is one snapshot of a workflow graph.
//
// Invariants (per workflow):
// - Number is unique and increases monotonically.
// - At most one version has Active=true and at most one has Draft=true.
// - A version that has been published is never mutated again.
type Version struct {
	ID         string `json:"id" db:"id"`
	WorkflowID string `json:"workflow_id" db:"workflow_id"`
	Number     int    `json:"version_number" db:"version_number"`

	Active bool `json:"active" db:"active"`
	Draft  bool `json:"draft" db:"draft"`

	PublishedAt *time.Time `json:"published_at,omitempty" db:"published_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a single routing step.
type Node struct {
	ID        string   `json:"id" db:"id"`
	VersionID string   `json:"version_id" db:"version_id"`
	Type      NodeType `json:"type" db:"type"`
	Label     string   `json:"label,omitempty" db:"label"`

	// Position is persisted for the editor only.
	Position Position `json:"position"`

	IsEntry bool `json:"is_entry" db:"is_entry"`

	// Config is decoded per Type by DecodeConfig.
	Config json.RawMessage `json:"config,omitempty" db:"config"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects SourceNodeID --[SourcePort]--> TargetNodeID within one version.
// An empty SourcePort is the default port.
type Edge struct {
	ID           string `json:"id" db:"id"`
	VersionID    string `json:"version_id" db:"version_id"`
	SourceNodeID string `json:"source_node_id" db:"source_node_id"`
	SourcePort   string `json:"source_port,omitempty" db:"source_port"`
	TargetNodeID string `json:"target_node_id" db:"target_node_id"`
}

type NodeType string

const (
	NodeTrigger          NodeType = "trigger"
	NodeBusinessHours    NodeType = "business_hours"
	NodeCallerLookup     NodeType = "caller_lookup"
	NodeAudioPlayback    NodeType = "audio_playback"
	NodeTextToSpeech     NodeType = "text_to_speech"
	NodeIVRMenu          NodeType = "ivr_menu"
	NodeInputCollection  NodeType = "input_collection"
	NodeQueueTransfer    NodeType = "queue_transfer"
	NodeExternalTransfer NodeType = "external_transfer"
	NodeEndCall          NodeType = "end_call"
)

// IsTerminal reports whether a node of this type ends the graph walk.
func (t NodeType) IsTerminal() bool {
	switch t {
	case NodeEndCall, NodeExternalTransfer, NodeQueueTransfer:
		return true
	default:
		return false
	}
}

// Well-known port names. IVR menus additionally use the pressed digit as port.
const (
	PortDefault   = ""
	PortTrue      = "true"
	PortFalse     = "false"
	PortFound     = "found"
	PortNotFound  = "not_found"
	PortCollected = "collected"
	PortTimeout   = "timeout"
	PortMachine   = "machine"
)

// Node returns the node with the given id.
func (v Version) Node(id string) (Node, bool) {
	for _, n := range v.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Entries returns the entry nodes in declaration order.
func (v Version) Entries() []Node {
	var out []Node
	for _, n := range v.Nodes {
		if n.IsEntry {
			out = append(out, n)
		}
	}
	return out
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (v Version) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range v.Edges {
		if e.SourceNodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Header returns a copy of v without its graph.
func (v Version) Header() Version {
	v.Nodes = nil
	v.Edges = nil
	return v
}

func (v Version) clone() Version {
	out := v
	if v.PublishedAt != nil {
		t := *v.PublishedAt
		out.PublishedAt = &t
	}
	out.Nodes = make([]Node, len(v.Nodes))
	for i, n := range v.Nodes {
		out.Nodes[i] = n.clone()
	}
	out.Edges = make([]Edge, len(v.Edges))
	copy(out.Edges, v.Edges)
	return out
}

func (n Node) clone() Node {
	if n.Config != nil {
		n.Config = append(json.RawMessage(nil), n.Config...)
	}
	return n
}
