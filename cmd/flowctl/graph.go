package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"callflow-platform/internal/workflow"
)

// graphFile is the on-disk form of a graph: the nodes and edges of one
// version, as the authoring API returns them.
type graphFile struct {
	ID    string          `json:"id,omitempty"`
	Nodes []workflow.Node `json:"nodes"`
	Edges []workflow.Edge `json:"edges"`
}

// loadGraph reads a graph from path, or stdin when path is "-".
func loadGraph(path string, stdin io.Reader) (workflow.Version, error) {
	if path == "" {
		return workflow.Version{}, errors.New("graph file is required")
	}
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return workflow.Version{}, err
		}
		defer f.Close()
		r = f
	}

	var g graphFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&g); err != nil {
		return workflow.Version{}, fmt.Errorf("decode %s: %w", path, err)
	}
	id := g.ID
	if id == "" {
		id = "local"
	}
	return workflow.Version{ID: id, Draft: true, Nodes: g.Nodes, Edges: g.Edges}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
