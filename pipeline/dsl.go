// ABOUTME: DSL document model for declarative automation pipelines: Document, Limits, Node, Retry.
// ABOUTME: Defines the closed set of five node kinds and JSON parsing for submitted pipeline documents.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SupportedVersion is the only DSL version this engine accepts.
const SupportedVersion = "1.0"

// MaxPipelineNodes is the platform ceiling on nodes per pipeline.
const MaxPipelineNodes = 6

// NodeKind identifies the execution strategy for a node.
type NodeKind string

const (
	KindSkill        NodeKind = "skill"
	KindLLMTransform NodeKind = "llm_transform"
	KindForEach      NodeKind = "for_each"
	KindVerify       NodeKind = "verify"
	KindAggregate    NodeKind = "aggregate"
)

// knownNodeKinds lists all recognized node kind values.
var knownNodeKinds = map[NodeKind]bool{
	KindSkill:        true,
	KindLLMTransform: true,
	KindForEach:      true,
	KindVerify:       true,
	KindAggregate:    true,
}

// Limits bounds a single pipeline run.
type Limits struct {
	MaxNodes           int `json:"max_nodes"`
	MaxFanout          int `json:"max_fanout"`
	MaxToolCalls       int `json:"max_tool_calls"`
	PipelineTimeoutSec int `json:"pipeline_timeout_sec"`
}

// Retry configures per-node retry behavior. BackoffMS is the sleep between attempts.
type Retry struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMS   int `json:"backoff_ms"`
}

// Node is one step of a pipeline document. Kind-specific fields are populated
// only for the matching kind; the validator enforces which ones are required.
type Node struct {
	ID         string         `json:"id"`
	Type       NodeKind       `json:"type"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	When       string         `json:"when,omitempty"`
	Retry      *Retry         `json:"retry,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`

	// skill and aggregate
	Name string `json:"name,omitempty"`
	Mode string `json:"mode,omitempty"`

	// llm_transform
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	// for_each
	SourceRef   string   `json:"source_ref,omitempty"`
	ItemsRef    string   `json:"items_ref,omitempty"`
	ItemNodeIDs []string `json:"item_node_ids,omitempty"`
	OnItemFail  string   `json:"on_item_fail,omitempty"` // "stop_all" (default) or "skip"

	// verify
	Rules  []string `json:"rules,omitempty"`
	OnFail string   `json:"on_fail,omitempty"` // "" (hard gate) or "fallback"
}

// Document is an immutable pipeline submission: the unit of validation and scheduling.
type Document struct {
	PipelineID string  `json:"pipeline_id"`
	Version    string  `json:"version"`
	Limits     Limits  `json:"limits"`
	Nodes      []*Node `json:"nodes"`
}

// ParseDocument decodes a JSON pipeline document. Unknown top-level or node
// fields are rejected so typos surface at submission time instead of silently
// producing an inert attribute.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse pipeline document: %w", err)
	}
	return &doc, nil
}

// FindNode returns the node with the given ID, or nil if not found.
func (d *Document) FindNode(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodeIDs returns the IDs of all nodes in document order.
func (d *Document) NodeIDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// sourceRef returns the fan-out/aggregate source reference, accepting both
// the source_ref and items_ref spellings.
func (n *Node) sourceRef() string {
	if n.SourceRef != "" {
		return n.SourceRef
	}
	return n.ItemsRef
}
