package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	flowFileName    = "flow.oo.yaml"
	blockFileName   = "block.oo.yaml"
	serviceFileName = "service.oo.yaml"
)

// Resolver locates manifest files by path grammar, parses them, merges
// defaults, detects cycles, and produces a resolved (or lazy) graph.
type Resolver struct {
	SearchPaths []string

	fileCache   map[string][]byte
	subflowArena map[string]*SubflowBlock
	taskArena    map[string]*TaskBlock
	slotArena    map[string]*SlotBlock

	inFlight    []string // stack of canonical flow paths currently being expanded
	packages    map[string]struct{}
	diagnostics []Diagnostic
}

// NewResolver constructs a Resolver that searches searchPaths (in order,
// last is consulted last) for `<pkg>::...` references.
func NewResolver(searchPaths []string) *Resolver {
	return &Resolver{
		SearchPaths:  searchPaths,
		fileCache:    make(map[string][]byte),
		subflowArena: make(map[string]*SubflowBlock),
		taskArena:    make(map[string]*TaskBlock),
		slotArena:    make(map[string]*SlotBlock),
		packages:     make(map[string]struct{}),
	}
}

// Resolve parses rootFlowPath (a path to a flow directory or flow.oo.yaml
// file) and every block/subflow it transitively references, producing a
// fully-resolved SubflowBlock tree, the set of discovered package names,
// and a diagnostic list (warnings never stop resolution, errors do).
func (r *Resolver) Resolve(rootFlowPath string) (*SubflowBlock, []string, []Diagnostic, error) {
	canonical, err := canonicalFlowPath(rootFlowPath)
	if err != nil {
		return nil, nil, nil, wrapManifestErr("resolve root flow", err)
	}

	root, err := r.expandFlow(canonical)
	if err != nil {
		return nil, nil, r.diagnostics, wrapManifestErr("resolve root flow", err)
	}

	r.validate(root)

	pkgs := make([]string, 0, len(r.packages))
	for p := range r.packages {
		pkgs = append(pkgs, p)
	}
	sort.Strings(pkgs)

	var fatal error
	for _, d := range r.diagnostics {
		if d.Severity == SeverityError {
			fatal = &ReferenceInvalid{Ref: d.Path, Detail: d.Message}
			break
		}
	}

	return root, pkgs, r.diagnostics, fatal
}

// ResolveLazy expands a previously-deferred subflow reference at runtime,
// once the cycle that forced it to stay lazy is no longer on the expansion
// stack (spec §4.1 "cycle handling for subflows").
func (r *Resolver) ResolveLazy(lazy *LazyRef) (*SubflowBlock, error) {
	return r.expandFlow(lazy.Path)
}

// expandFlow resolves the flow at canonicalPath, returning a cached result
// if it was already expanded. Cycles on the in-flight stack are handled by
// the caller (resolveSubflowRef), which is the only entry point besides
// Resolve and ResolveLazy that descends into a nested flow.
func (r *Resolver) expandFlow(canonicalPath string) (*SubflowBlock, error) {
	if existing, ok := r.subflowArena[canonicalPath]; ok {
		return existing, nil
	}

	r.inFlight = append(r.inFlight, canonicalPath)
	defer func() { r.inFlight = r.inFlight[:len(r.inFlight)-1] }()

	raw, err := r.loadRawFlow(canonicalPath)
	if err != nil {
		return nil, err
	}

	flowDir := filepath.Dir(canonicalPath)

	block := &SubflowBlock{
		Path:         canonicalPath,
		InputToNode:  make(map[string]NodeHandleRef),
		NodeToOutput: make(map[string]NodeHandleRef),
	}
	for _, h := range raw.InputsDef {
		block.Inputs = append(block.Inputs, h.toHandle(HandleInput))
	}
	for _, h := range raw.OutputsDef {
		block.Outputs = append(block.Outputs, h.toHandle(HandleOutput))
	}

	// Registering the (still half-built) block before resolving its nodes
	// lets a self-referential subflow find itself on a re-entrant expandFlow
	// call via the in-flight stack check in resolveSubflowRef, rather than
	// looping forever.
	r.subflowArena[canonicalPath] = block

	for _, rawN := range raw.Nodes {
		node, err := r.resolveNode(rawN, flowDir)
		if err != nil {
			return nil, err
		}
		block.Nodes = append(block.Nodes, node)
	}

	return block, nil
}

func (r *Resolver) resolveNode(raw rawNode, flowDir string) (*Node, error) {
	node := &Node{
		NodeID:       raw.NodeID,
		Concurrency:  raw.Concurrency,
		Timeout:      raw.Timeout,
		Ignore:       raw.Ignore,
		Slots:        raw.Slots,
		InputSources: make(map[string]InputSource),
	}

	for _, in := range raw.InputsFrom {
		switch {
		case in.FromNode != "":
			nodeID, handle, ok := strings.Cut(in.FromNode, ".")
			if !ok {
				return nil, &ReferenceInvalid{Ref: in.FromNode, Detail: "from_node must be <node_id>.<handle>"}
			}
			node.InputSources[in.Handle] = InputSource{Kind: SourceFromNode, FromNodeID: nodeID, FromNodeHandle: handle}
		case in.FromFlow != "":
			node.InputSources[in.Handle] = InputSource{Kind: SourceFromFlow, FromFlowHandle: in.FromFlow}
		default:
			node.InputSources[in.Handle] = InputSource{Kind: SourceValue, Value: in.Value}
		}
	}

	switch {
	case raw.Task != "":
		node.BlockKind = BlockKindTask
		node.BlockPath = raw.Task
		task, err := r.resolveBlockRef(raw.Task, flowDir)
		if err != nil {
			return nil, err
		}
		node.Task = task
	case raw.Subflow != "":
		node.BlockKind = BlockKindSubflow
		node.BlockPath = raw.Subflow
		ref, err := r.resolveSubflowRef(raw.Subflow, flowDir)
		if err != nil {
			return nil, err
		}
		node.Subflow = ref
	case raw.Service != "":
		node.BlockKind = BlockKindService
		node.BlockPath = raw.Service
		task, err := r.resolveServiceRef(raw.Service, flowDir)
		if err != nil {
			return nil, err
		}
		node.Task = task
	case raw.Slot != "":
		node.BlockKind = BlockKindSlot
		node.BlockPath = raw.Slot
		slot, err := r.resolveSlotRef(raw.Slot, flowDir)
		if err != nil {
			return nil, err
		}
		node.Slot = slot
	default:
		node.BlockKind = BlockKindValue
	}

	return node, nil
}

// resolveSubflowRef resolves a node's `subflow:` reference, returning a
// Lazy reference (plus a warning diagnostic) if the target flow is already
// being expanded higher up the stack.
func (r *Resolver) resolveSubflowRef(ref, flowDir string) (*FlowReference, error) {
	path, pkg, err := r.resolvePathForm(ref, flowDir, flowFileName)
	if err != nil {
		return nil, err
	}
	if pkg != "" {
		r.packages[pkg] = struct{}{}
	}

	canonical, err := canonicalFlowPath(path)
	if err != nil {
		return nil, wrapManifestErr("resolve subflow "+ref, err)
	}

	for _, inFlight := range r.inFlight {
		if inFlight == canonical {
			r.diagnostics = append(r.diagnostics, Diagnostic{
				Severity: SeverityWarning,
				Path:     ref,
				Message:  "circular subflow reference, deferred to runtime",
			})
			return &FlowReference{Lazy: &LazyRef{Name: ref, Path: canonical}}, nil
		}
	}

	sub, err := r.expandFlow(canonical)
	if err != nil {
		return nil, err
	}
	return &FlowReference{Resolved: sub}, nil
}

func (r *Resolver) resolveBlockRef(ref, flowDir string) (*TaskBlock, error) {
	path, pkg, err := r.resolvePathForm(ref, flowDir, blockFileName)
	if err != nil {
		return nil, err
	}
	if pkg != "" {
		r.packages[pkg] = struct{}{}
	}

	if existing, ok := r.taskArena[path]; ok {
		return existing, nil
	}

	raw, err := r.loadRawBlock(path)
	if err != nil {
		return nil, err
	}

	task := &TaskBlock{Path: path, Executor: raw.Executor.toDescriptor()}
	for _, h := range raw.InputsDef {
		task.Inputs = append(task.Inputs, h.toHandle(HandleInput))
	}
	for _, h := range raw.OutputsDef {
		task.Outputs = append(task.Outputs, h.toHandle(HandleOutput))
	}

	r.taskArena[path] = task
	return task, nil
}

// resolveServiceRef resolves a `<pkg>::<svc>::<method>` reference: loads
// the service.oo.yaml at `<pkg>::<svc>` and selects the member named
// `<method>` from its blocks array.
func (r *Resolver) resolveServiceRef(ref, flowDir string) (*TaskBlock, error) {
	parts := strings.Split(ref, "::")
	if len(parts) != 3 {
		return nil, &ReferenceInvalid{Ref: ref, Detail: "service reference must be <pkg>::<svc>::<method>"}
	}
	pkg, svc, method := parts[0], parts[1], parts[2]
	r.packages[pkg] = struct{}{}

	svcPath, err := r.resolveInSearchPaths(filepath.Join(pkg, svc), serviceFileName)
	if err != nil {
		return nil, &ManifestNotFound{Path: ref}
	}

	arenaKey := svcPath + "::" + method
	if existing, ok := r.taskArena[arenaKey]; ok {
		return existing, nil
	}

	raw, err := r.loadRawService(svcPath)
	if err != nil {
		return nil, err
	}

	var member *rawServiceBlock
	for i := range raw.Blocks {
		if raw.Blocks[i].Name == method {
			member = &raw.Blocks[i]
			break
		}
	}
	if member == nil {
		return nil, &ReferenceInvalid{Ref: ref, Detail: fmt.Sprintf("service %s has no block named %s", svc, method)}
	}

	task := &TaskBlock{Path: arenaKey, Executor: raw.Executor.toDescriptor()}
	for _, h := range member.InputsDef {
		task.Inputs = append(task.Inputs, h.toHandle(HandleInput))
	}
	for _, h := range member.OutputsDef {
		task.Outputs = append(task.Outputs, h.toHandle(HandleOutput))
	}

	r.taskArena[arenaKey] = task
	return task, nil
}

func (r *Resolver) resolveSlotRef(ref, flowDir string) (*SlotBlock, error) {
	path, pkg, err := r.resolvePathForm(ref, flowDir, blockFileName)
	if err != nil {
		return nil, err
	}
	if pkg != "" {
		r.packages[pkg] = struct{}{}
	}

	if existing, ok := r.slotArena[path]; ok {
		return existing, nil
	}

	raw, err := r.loadRawBlock(path)
	if err != nil {
		return nil, err
	}

	slot := &SlotBlock{Path: path}
	for _, h := range raw.InputsDef {
		slot.Inputs = append(slot.Inputs, h.toHandle(HandleInput))
	}
	for _, h := range raw.OutputsDef {
		slot.Outputs = append(slot.Outputs, h.toHandle(HandleOutput))
	}

	r.slotArena[path] = slot
	return slot, nil
}

// resolvePathForm implements the four path forms from spec §4.1 for a
// reference that names either a block.oo.yaml or flow.oo.yaml file.
// Returns the resolved absolute file path and, for pkg-qualified forms,
// the package name discovered.
func (r *Resolver) resolvePathForm(ref, flowDir, fileName string) (string, string, error) {
	switch {
	case strings.HasPrefix(ref, "self::"):
		name := strings.TrimPrefix(ref, "self::")
		path := filepath.Join(flowDir, "..", "blocks", name, fileName)
		if _, err := os.Stat(path); err != nil {
			return "", "", &ManifestNotFound{Path: ref}
		}
		return path, "", nil

	case strings.Count(ref, "::") == 1:
		pkg, name, _ := strings.Cut(ref, "::")
		path, err := r.resolveInSearchPaths(filepath.Join(pkg, name), fileName)
		if err != nil {
			return "", "", &ManifestNotFound{Path: ref}
		}
		return path, pkg, nil

	default:
		path := ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(flowDir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", "", &ManifestNotFound{Path: ref}
		}
		if info.IsDir() {
			path = filepath.Join(path, fileName)
		}
		if _, err := os.Stat(path); err != nil {
			return "", "", &ManifestNotFound{Path: ref}
		}
		return path, "", nil
	}
}

func (r *Resolver) resolveInSearchPaths(relDir, fileName string) (string, error) {
	for _, sp := range r.SearchPaths {
		candidate := filepath.Join(sp, relDir, fileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &ManifestNotFound{Path: relDir}
}

func canonicalFlowPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", &ManifestNotFound{Path: path}
	}
	if info.IsDir() {
		abs = filepath.Join(abs, flowFileName)
	}
	return abs, nil
}

// loadRawFlow/loadRawBlock/loadRawService parse a manifest file, caching
// its raw bytes so a block referenced by many nodes is read once.
func (r *Resolver) loadRawFlow(path string) (*rawFlow, error) {
	data, err := r.readFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawFlow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ManifestInvalid{Path: path, Detail: err.Error()}
	}
	return &raw, nil
}

func (r *Resolver) loadRawBlock(path string) (*rawBlock, error) {
	data, err := r.readFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawBlock
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ManifestInvalid{Path: path, Detail: err.Error()}
	}
	return &raw, nil
}

func (r *Resolver) loadRawService(path string) (*rawService, error) {
	data, err := r.readFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawService
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ManifestInvalid{Path: path, Detail: err.Error()}
	}
	return &raw, nil
}

func (r *Resolver) readFile(path string) ([]byte, error) {
	if cached, ok := r.fileCache[path]; ok {
		return cached, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestNotFound{Path: path}
	}
	r.fileCache[path] = data
	return data, nil
}
