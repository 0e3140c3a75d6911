package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"callflow-platform/internal/auth"
	"callflow-platform/internal/config"
	"callflow-platform/internal/simulate"
	"callflow-platform/internal/workflow"

	"github.com/urfave/cli/v3"
)

const menuGraph = `{
  "nodes": [
    {"id": "entry", "type": "trigger", "is_entry": true, "config": {"direction": "inbound"}},
    {"id": "menu", "type": "ivr_menu", "config": {"prompt_text": "Press 1 for sales", "options": [{"digit": "1"}]}},
    {"id": "sales", "type": "queue_transfer", "config": {"queue_id": "sales"}},
    {"id": "bye", "type": "end_call", "config": {"message": "Goodbye", "outcome": "no_choice"}}
  ],
  "edges": [
    {"id": "e1", "source_node_id": "entry", "target_node_id": "menu"},
    {"id": "e2", "source_node_id": "menu", "source_port": "1", "target_node_id": "sales"},
    {"id": "e3", "source_node_id": "menu", "source_port": "timeout", "target_node_id": "bye"},
    {"id": "e4", "source_node_id": "menu", "target_node_id": "bye"}
  ]
}`

func writeGraph(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newCommand(&stdout, &stderr).Run(context.Background(), append([]string{"flowctl"}, args...))
	return stdout.String(), err
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestValidate_ValidGraph(t *testing.T) {
	out, err := run(t, "validate", writeGraph(t, menuGraph))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var rep workflow.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if !rep.Valid() {
		t.Fatalf("expected valid report, got %+v", rep.Errors)
	}
}

func TestValidate_MissingEntryExitsNonZero(t *testing.T) {
	graph := `{"nodes": [{"id": "bye", "type": "end_call", "config": {}}], "edges": []}`
	out, err := run(t, "validate", writeGraph(t, graph))
	if exitCode(err) != exitInvalid {
		t.Fatalf("expected exit %d, got %v", exitInvalid, err)
	}
	if !strings.Contains(out, string(workflow.FindingMissingEntry)) {
		t.Fatalf("expected %s in report, got %s", workflow.FindingMissingEntry, out)
	}
}

func TestValidate_RequiresFile(t *testing.T) {
	if _, err := run(t, "validate", filepath.Join(t.TempDir(), "missing.json")); exitCode(err) != exitInvalid {
		t.Fatalf("expected exit %d, got %v", exitInvalid, err)
	}
}

func TestSimulate_DigitsRouteThroughMenu(t *testing.T) {
	out, err := run(t, "simulate", "--digits", "1", "--at", "2026-03-02T15:00:00Z", writeGraph(t, menuGraph))
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var res simulate.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if res.Status != simulate.StatusCompleted || res.NodeID != "sales" {
		t.Fatalf("expected completion at sales, got %s at %s", res.Status, res.NodeID)
	}
	if got := strings.Join(res.TraceIDs(), ","); got != "entry,menu,sales" {
		t.Fatalf("unexpected trace %s", got)
	}
}

func TestSimulate_NoDigitsAwaitsInput(t *testing.T) {
	out, err := run(t, "simulate", writeGraph(t, menuGraph))
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var res simulate.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != simulate.StatusAwaitingInput || res.NodeID != "menu" {
		t.Fatalf("expected to wait at menu, got %s at %s", res.Status, res.NodeID)
	}
}

func TestSimulate_RejectsBadFlags(t *testing.T) {
	path := writeGraph(t, menuGraph)
	cases := map[string][]string{
		"bad time":      {"simulate", "--at", "yesterday", path},
		"bad var":       {"simulate", "--var", "novalue", path},
		"bad direction": {"simulate", "--direction", "sideways", path},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := run(t, args...); exitCode(err) != exitInvalid {
				t.Fatalf("expected exit %d, got %v", exitInvalid, err)
			}
		})
	}
}

func TestSimulate_DeadEndIsFault(t *testing.T) {
	graph := `{
  "nodes": [
    {"id": "entry", "type": "trigger", "is_entry": true},
    {"id": "hello", "type": "text_to_speech", "config": {"text": "hi"}}
  ],
  "edges": [{"id": "e1", "source_node_id": "entry", "target_node_id": "hello"}]
}`
	out, err := run(t, "simulate", writeGraph(t, graph))
	if exitCode(err) != exitFault {
		t.Fatalf("expected exit %d, got %v", exitFault, err)
	}
	if !strings.Contains(out, `"status": "fault"`) {
		t.Fatalf("expected fault result, got %s", out)
	}
}

func TestToken_IssuesVerifiableAccessToken(t *testing.T) {
	out, err := run(t, "token", "--secret", "local-secret", "--user", "u1", "--workspace", "w1", "--role", "designer")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal([]byte(out), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "local-secret"})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	claims, err := m.Verify(pair.AccessToken, auth.TokenTypeAccess, m.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id := claims.Identity(); id.WorkspaceID != "w1" || id.Role != "designer" {
		t.Fatalf("unexpected identity %+v", id)
	}
}
