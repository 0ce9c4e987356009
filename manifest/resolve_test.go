package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolveLinearTwoNodeShellFlow(t *testing.T) {
	root := t.TempDir()
	flowDir := filepath.Join(root, "flows", "main")

	writeFile(t, filepath.Join(flowDir, "flow.oo.yaml"), `
nodes:
  - node_id: a
    task: self::echo
  - node_id: b
    task: self::cat
    inputs_from:
      - handle: command
        from_node: a.stdout
`)
	writeFile(t, filepath.Join(root, "flows", "blocks", "echo", "block.oo.yaml"), `
type: task_block
executor:
  name: shell
inputs_def:
  - handle: command
    required: true
    value: "echo hello"
outputs_def:
  - handle: stdout
`)
	writeFile(t, filepath.Join(root, "flows", "blocks", "cat", "block.oo.yaml"), `
type: task_block
executor:
  name: shell
inputs_def:
  - handle: command
    required: true
outputs_def:
  - handle: stdout
`)

	resolver := NewResolver(nil)
	resolved, _, diags, err := resolver.Resolve(flowDir)
	require.NoError(t, err)

	for _, d := range diags {
		assert.NotEqual(t, SeverityError, d.Severity, d.String())
	}

	require.Len(t, resolved.Nodes, 2)
	b := resolved.NodeByID("b")
	require.NotNil(t, b)
	src, ok := b.InputSources["command"]
	require.True(t, ok)
	assert.Equal(t, SourceFromNode, src.Kind)
	assert.Equal(t, "a", src.FromNodeID)
	assert.Equal(t, "stdout", src.FromNodeHandle)
}

func TestResolveReportsReferenceInvalidForMissingRequiredInput(t *testing.T) {
	root := t.TempDir()
	flowDir := filepath.Join(root, "flows", "main")

	writeFile(t, filepath.Join(flowDir, "flow.oo.yaml"), `
nodes:
  - node_id: n
    task: self::needs_x
`)
	writeFile(t, filepath.Join(root, "flows", "blocks", "needs_x", "block.oo.yaml"), `
type: task_block
executor:
  name: shell
inputs_def:
  - handle: x
    required: true
outputs_def: []
`)

	resolver := NewResolver(nil)
	_, _, diags, err := resolver.Resolve(flowDir)

	require.Error(t, err)
	var refErr *ReferenceInvalid
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, "n.x", refErr.Ref)

	found := false
	for _, d := range diags {
		if d.Severity == SeverityError && d.Path == "n.x" {
			found = true
		}
	}
	assert.True(t, found, "expected a SeverityError diagnostic for n.x")
}

func TestResolvePackageQualifiedReference(t *testing.T) {
	searchRoot := t.TempDir()
	flowDir := filepath.Join(searchRoot, "project", "flows", "main")

	writeFile(t, filepath.Join(flowDir, "flow.oo.yaml"), `
nodes:
  - node_id: a
    task: mypkg::greet
`)
	writeFile(t, filepath.Join(searchRoot, "mypkg", "greet", "block.oo.yaml"), `
type: task_block
executor:
  name: shell
inputs_def: []
outputs_def:
  - handle: stdout
`)

	resolver := NewResolver([]string{searchRoot})
	resolved, pkgs, _, err := resolver.Resolve(flowDir)
	require.NoError(t, err)
	assert.Contains(t, pkgs, "mypkg")
	require.Len(t, resolved.Nodes, 1)
	assert.NotNil(t, resolved.Nodes[0].Task)
}

func TestResolveServiceMethodReference(t *testing.T) {
	searchRoot := t.TempDir()
	flowDir := filepath.Join(searchRoot, "project", "flows", "main")

	writeFile(t, filepath.Join(flowDir, "flow.oo.yaml"), `
nodes:
  - node_id: a
    service: mypkg::mysvc::double
`)
	writeFile(t, filepath.Join(searchRoot, "mypkg", "mysvc", "service.oo.yaml"), `
executor:
  name: python
blocks:
  - name: double
    inputs_def:
      - handle: x
    outputs_def:
      - handle: y
`)

	resolver := NewResolver([]string{searchRoot})
	resolved, _, _, err := resolver.Resolve(flowDir)
	require.NoError(t, err)
	require.Len(t, resolved.Nodes, 1)
	require.NotNil(t, resolved.Nodes[0].Task)
	assert.Equal(t, "python", resolved.Nodes[0].Task.Executor.Name)
}

func TestResolveLazySelfReference(t *testing.T) {
	root := t.TempDir()
	flowDir := filepath.Join(root, "flows", "a")

	writeFile(t, filepath.Join(flowDir, "flow.oo.yaml"), `
nodes:
  - node_id: loop
    subflow: self_ref
`)

	// "self_ref" resolves to nothing; the manifest is rewritten below so the
	// subflow reference is "." (the flow's own directory), forming a cycle.
	selfRefDir := flowDir
	_ = selfRefDir

	writeFile(t, filepath.Join(root, "flows", "a", "flow.oo.yaml"), `
nodes:
  - node_id: loop
    subflow: .
`)

	resolver := NewResolver(nil)
	resolved, _, diags, err := resolver.Resolve(flowDir)
	require.NoError(t, err)

	var sawLazyWarning bool
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			sawLazyWarning = true
		}
	}
	assert.True(t, sawLazyWarning, "expected a lazy-reference warning")

	loop := resolved.NodeByID("loop")
	require.NotNil(t, loop)
	require.NotNil(t, loop.Subflow)
	assert.True(t, loop.Subflow.IsLazy())
}

func TestValidateDetectsIntraFlowCycle(t *testing.T) {
	root := t.TempDir()
	flowDir := filepath.Join(root, "flows", "main")

	writeFile(t, filepath.Join(flowDir, "flow.oo.yaml"), `
nodes:
  - node_id: a
    task: self::pass
    inputs_from:
      - handle: in
        from_node: b.out
  - node_id: b
    task: self::pass
    inputs_from:
      - handle: in
        from_node: a.out
`)
	writeFile(t, filepath.Join(root, "flows", "blocks", "pass", "block.oo.yaml"), `
type: task_block
executor:
  name: shell
inputs_def:
  - handle: in
outputs_def:
  - handle: out
`)

	resolver := NewResolver(nil)
	_, _, diags, err := resolver.Resolve(flowDir)
	require.Error(t, err)

	var sawCycle bool
	for _, d := range diags {
		if d.Severity == SeverityError {
			sawCycle = true
		}
	}
	assert.True(t, sawCycle)
}
