// Package manifest holds the typed in-memory representation of blocks,
// flows, nodes, handles and connections, and the resolver that builds that
// representation from YAML manifest files on disk.
package manifest

import "encoding/json"

// HandleKind distinguishes an input port from an output port.
type HandleKind string

const (
	HandleInput  HandleKind = "input"
	HandleOutput HandleKind = "output"
)

// Handle is a named, typed port on a block.
type Handle struct {
	ID         string          `yaml:"handle" json:"handle"`
	Kind       HandleKind      `json:"kind"`
	JSONSchema json.RawMessage `yaml:"json_schema,omitempty" json:"json_schema,omitempty"`
	Default    json.RawMessage `yaml:"value,omitempty" json:"value,omitempty"`
	Required   bool            `yaml:"required,omitempty" json:"required,omitempty"`
	Nullable   bool            `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Remember   bool            `yaml:"remember,omitempty" json:"remember,omitempty"`
	Additional bool            `yaml:"is_additional,omitempty" json:"is_additional,omitempty"`
	Cacheable  bool            `yaml:"cacheable,omitempty" json:"cacheable,omitempty"`
}

// Block is the shared capability interface over TaskBlock, SubflowBlock and
// SlotBlock, used by the scheduler without needing to switch on concrete type.
type Block interface {
	ID() string
	InputsDef() []Handle
	OutputsDef() []Handle
}

// ExecutorDescriptor names the runtime a TaskBlock executes under.
type ExecutorDescriptor struct {
	Name     string   `yaml:"name" json:"name"` // "node", "python", "shell", "rust", ...
	Entry    string   `yaml:"entry,omitempty" json:"entry,omitempty"`
	Function string   `yaml:"function,omitempty" json:"function,omitempty"`
	Bin      string   `yaml:"bin,omitempty" json:"bin,omitempty"`
	Args     []string `yaml:"args,omitempty" json:"args,omitempty"`
	Spawn    bool     `yaml:"spawn,omitempty" json:"spawn,omitempty"`
}

// IsShell reports whether this descriptor dispatches to the in-process shell executor.
func (e ExecutorDescriptor) IsShell() bool { return e.Name == "shell" }

// TaskBlock is a reusable computational unit backed by an executor.
type TaskBlock struct {
	Path     string
	Executor ExecutorDescriptor
	Inputs   []Handle
	Outputs  []Handle
}

func (b *TaskBlock) ID() string            { return b.Path }
func (b *TaskBlock) InputsDef() []Handle   { return b.Inputs }
func (b *TaskBlock) OutputsDef() []Handle  { return b.Outputs }

// SubflowBlock is a nested flow with its own node set and internal wiring.
type SubflowBlock struct {
	Path    string
	Inputs  []Handle
	Outputs []Handle
	Nodes   []*Node
	// InputToNode maps a flow input handle to the node/handle pair that
	// consumes it; NodeToOutput maps a flow output handle back to its
	// producing node/handle.
	InputToNode  map[string]NodeHandleRef
	NodeToOutput map[string]NodeHandleRef
}

func (b *SubflowBlock) ID() string           { return b.Path }
func (b *SubflowBlock) InputsDef() []Handle  { return b.Inputs }
func (b *SubflowBlock) OutputsDef() []Handle { return b.Outputs }

// NodeByID returns the node with the given id, or nil.
func (b *SubflowBlock) NodeByID(nodeID string) *Node {
	for _, n := range b.Nodes {
		if n.NodeID == nodeID {
			return n
		}
	}
	return nil
}

// NodeHandleRef identifies a handle on a specific node.
type NodeHandleRef struct {
	NodeID string
	Handle string
}

// SlotBlock is an abstract placeholder filled at use-site by a provider block.
type SlotBlock struct {
	Path    string
	Inputs  []Handle
	Outputs []Handle
}

func (b *SlotBlock) ID() string           { return b.Path }
func (b *SlotBlock) InputsDef() []Handle  { return b.Inputs }
func (b *SlotBlock) OutputsDef() []Handle { return b.Outputs }

// FlowReference is either a fully-resolved SubflowBlock or a Lazy reference
// left behind when the resolver detected a cycle while expanding it.
type FlowReference struct {
	Resolved *SubflowBlock
	Lazy     *LazyRef
}

// LazyRef records enough information to resolve a subflow reference later,
// at first execution, once the cycle that prevented eager resolution is
// no longer on the expansion stack.
type LazyRef struct {
	Name string
	Path string
}

// IsLazy reports whether this reference still needs runtime resolution.
func (f FlowReference) IsLazy() bool { return f.Resolved == nil && f.Lazy != nil }

// InputSourceKind tags the variant held by an InputSource.
type InputSourceKind int

const (
	SourceFromNode InputSourceKind = iota
	SourceFromFlow
	SourceValue
)

// InputSource is a tagged union over a node's possible input wiring: a
// value produced by an upstream node, a value passed in from the enclosing
// flow's own input, or a literal constant.
type InputSource struct {
	Kind InputSourceKind

	// SourceFromNode
	FromNodeID     string
	FromNodeHandle string

	// SourceFromFlow
	FromFlowHandle string

	// SourceValue
	Value json.RawMessage
}

// NodeBlockKind distinguishes which manifest form produced a node's block reference.
type NodeBlockKind int

const (
	BlockKindTask NodeBlockKind = iota
	BlockKindSubflow
	BlockKindService
	BlockKindSlot
	BlockKindValue
)

// Node is a placement of a block inside a flow.
type Node struct {
	NodeID       string
	BlockKind    NodeBlockKind
	BlockPath    string // path form as written in the manifest, pre-resolution
	Task         *TaskBlock
	Subflow      *FlowReference
	Slot         *SlotBlock
	InputSources map[string]InputSource
	Concurrency  int // 0 = unbounded
	Timeout      int // seconds, 0 = none
	Ignore       bool
	ScopeTag     string
	// Slots binds slot node-ids in a child subflow to provider blocks
	// declared by this (subflow) node's own manifest entry.
	Slots map[string]string
}

// Connection is a single edge between two nodes in a flow.
type Connection struct {
	SourceNodeID string
	SourceHandle string
	TargetNodeID string
	TargetHandle string
}

// Severity distinguishes a fatal diagnostic from an advisory one.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// Diagnostic is a single resolver-produced finding; the resolver collects
// many of these in a single pass rather than failing on the first problem.
type Diagnostic struct {
	Severity Severity
	Path     string
	Message  string
}

func (d Diagnostic) String() string {
	level := "warning"
	if d.Severity == SeverityError {
		level = "error"
	}
	return level + ": " + d.Path + ": " + d.Message
}
