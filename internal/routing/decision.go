package routing

// Decision is the provider-agnostic output of inbound routing.
//
// It must contain *only* what the webhook boundary needs to either open a
// session or refuse the call. No provider-specific fields belong here.
type Decision struct {
	Action Action `json:"action"`

	WorkspaceID string `json:"workspace_id,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	VersionID   string `json:"version_id,omitempty"`
	CampaignID  string `json:"campaign_id,omitempty"`

	// Vars seeds the session's variable bag.
	Vars map[string]string `json:"vars,omitempty"`

	// Reason is intended for internal logs and the Reject reason only.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionStart  Action = "start"
	ActionReject Action = "reject"
)

// Reject reasons.
const (
	ReasonUnknownNumber       = "unknown_number"
	ReasonWorkflowUnavailable = "workflow_unavailable"
)
