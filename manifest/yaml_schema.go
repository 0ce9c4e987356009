package manifest

import "encoding/json"

// rawHandleDef mirrors the *_def entries described in spec §6; it is the
// direct yaml.v3 unmarshal target before defaults are applied.
type rawHandleDef struct {
	Handle     string          `yaml:"handle"`
	JSONSchema json.RawMessage `yaml:"json_schema"`
	Value      json.RawMessage `yaml:"value"`
	Nullable   bool            `yaml:"nullable"`
	Required   bool            `yaml:"required"`
	Remember   bool            `yaml:"remember"`
	Additional bool            `yaml:"is_additional"`
	Cacheable  bool            `yaml:"cacheable"`
}

func (h rawHandleDef) toHandle(kind HandleKind) Handle {
	return Handle{
		ID:         h.Handle,
		Kind:       kind,
		JSONSchema: h.JSONSchema,
		Default:    h.Value,
		Required:   h.Required,
		Nullable:   h.Nullable,
		Remember:   h.Remember,
		Additional: h.Additional,
		Cacheable:  h.Cacheable,
	}
}

// rawFlow is the top-level shape of a flow.oo.yaml file.
type rawFlow struct {
	InputsDef  []rawHandleDef `yaml:"inputs_def"`
	OutputsDef []rawHandleDef `yaml:"outputs_def"`
	Nodes      []rawNode      `yaml:"nodes"`
}

// rawNode is a single entry in a flow's nodes[] array. Exactly one of
// Task/Subflow/Service/Slot/Value should be set, mirroring the `one of`
// block-reference discriminant in spec §3/§6.
type rawNode struct {
	NodeID      string              `yaml:"node_id"`
	Task        string              `yaml:"task"`
	Subflow     string              `yaml:"subflow"`
	Service     string              `yaml:"service"`
	Slot        string              `yaml:"slot"`
	Value       json.RawMessage     `yaml:"value"`
	InputsFrom  []rawInputFrom      `yaml:"inputs_from"`
	Concurrency int                 `yaml:"concurrency"`
	Timeout     int                 `yaml:"timeout"`
	Ignore      bool                `yaml:"ignore"`
	Slots       map[string]string   `yaml:"slots"`
}

// rawInputFrom describes one wired input handle on a node.
type rawInputFrom struct {
	Handle   string          `yaml:"handle"`
	FromNode string          `yaml:"from_node"`
	FromFlow string          `yaml:"from_flow"`
	Value    json.RawMessage `yaml:"value"`
}

// rawBlock is the top-level shape of a block.oo.yaml file.
type rawBlock struct {
	Type       string              `yaml:"type"` // "task_block"
	Executor   rawExecutor         `yaml:"executor"`
	InputsDef  []rawHandleDef      `yaml:"inputs_def"`
	OutputsDef []rawHandleDef      `yaml:"outputs_def"`
}

type rawExecutor struct {
	Name     string   `yaml:"name"`
	Entry    string   `yaml:"entry"`
	Function string   `yaml:"function"`
	Bin      string   `yaml:"bin"`
	Args     []string `yaml:"args"`
	Spawn    bool     `yaml:"spawn"`
}

func (e rawExecutor) toDescriptor() ExecutorDescriptor {
	return ExecutorDescriptor{
		Name:     e.Name,
		Entry:    e.Entry,
		Function: e.Function,
		Bin:      e.Bin,
		Args:     e.Args,
		Spawn:    e.Spawn,
	}
}

// rawService is the top-level shape of a service.oo.yaml file: a single
// executor descriptor shared by multiple named block members.
type rawService struct {
	Executor rawExecutor       `yaml:"executor"`
	Blocks   []rawServiceBlock `yaml:"blocks"`
}

type rawServiceBlock struct {
	Name       string         `yaml:"name"`
	InputsDef  []rawHandleDef `yaml:"inputs_def"`
	OutputsDef []rawHandleDef `yaml:"outputs_def"`
}
