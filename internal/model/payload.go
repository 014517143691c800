package model

// ContextPayload is the typed schema for a task's context_data. It replaces
// the ad-hoc JSON blobs of earlier iterations with named fields; Extra keeps
// an escape hatch for extension keys.
type ContextPayload struct {
	// ImmediateUpstream maps the names of directly-upstream nodes to their
	// outputs. A nil entry means the edge from that node was skipped.
	ImmediateUpstream map[string]map[string]any `json:"immediate_upstream,omitempty"`
	// AllUpstream summarizes every completed upstream node, nearest first.
	AllUpstream []UpstreamSummary `json:"all_upstream,omitempty"`
	// WorkflowMeta describes the enclosing workflow instance.
	WorkflowMeta WorkflowMeta `json:"workflow_meta"`
	// NodeDescription carries the template node's description verbatim.
	NodeDescription string `json:"node_description,omitempty"`
	// Attachments lists files associated with the parent node.
	Attachments []FileAssociation `json:"attachments,omitempty"`
	// SubdivisionResult holds the bridged output of a completed child
	// workflow when this task was subdivided.
	SubdivisionResult map[string]any `json:"subdivision_result,omitempty"`
	// Extra holds non-schema keys round-tripped from callers.
	Extra map[string]any `json:"extra,omitempty"`
}

// UpstreamSummary is one entry of the global upstream digest.
type UpstreamSummary struct {
	NodeName string `json:"node_name"`
	Summary  string `json:"summary"`
}

// WorkflowMeta identifies the workflow instance a task belongs to.
type WorkflowMeta struct {
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	WorkflowBaseID     string         `json:"workflow_base_id"`
	InstanceName       string         `json:"instance_name"`
	Executor           string         `json:"executor"`
	Input              map[string]any `json:"input,omitempty"`
}

// Map renders the payload as a generic map for storage in context_data.
func (p *ContextPayload) Map() map[string]any {
	m := map[string]any{
		"workflow_meta": map[string]any{
			"workflow_instance_id": p.WorkflowMeta.WorkflowInstanceID,
			"workflow_base_id":     p.WorkflowMeta.WorkflowBaseID,
			"instance_name":        p.WorkflowMeta.InstanceName,
			"executor":             p.WorkflowMeta.Executor,
			"input":                p.WorkflowMeta.Input,
		},
	}
	if len(p.ImmediateUpstream) > 0 {
		upstream := make(map[string]any, len(p.ImmediateUpstream))
		for name, output := range p.ImmediateUpstream {
			if output == nil {
				upstream[name] = nil
				continue
			}
			upstream[name] = output
		}
		m["immediate_upstream"] = upstream
	}
	if len(p.AllUpstream) > 0 {
		summaries := make([]any, 0, len(p.AllUpstream))
		for _, s := range p.AllUpstream {
			summaries = append(summaries, map[string]any{"node_name": s.NodeName, "summary": s.Summary})
		}
		m["all_upstream"] = summaries
	}
	if p.NodeDescription != "" {
		m["node_description"] = p.NodeDescription
	}
	if len(p.Attachments) > 0 {
		files := make([]any, 0, len(p.Attachments))
		for _, f := range p.Attachments {
			files = append(files, map[string]any{"file_name": f.FileName, "uri": f.URI})
		}
		m["attachments"] = files
	}
	if len(p.SubdivisionResult) > 0 {
		m["subdivision_result"] = p.SubdivisionResult
	}
	for k, v := range p.Extra {
		m[k] = v
	}
	return m
}
