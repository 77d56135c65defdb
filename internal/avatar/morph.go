// Package avatar drives the avatar's face from the audio analyzer, one
// morph-target write per render frame.
package avatar

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/qmuntal/gltf"
	"github.com/samber/oops"
)

// ErrMeshNotFound is returned when the model has no mesh with the requested name.
var ErrMeshNotFound = errors.New("mesh not found")

// MorphDictionary maps morph-target names to their influence index.
type MorphDictionary map[string]int

// Names returns the target names ordered by index.
func (d MorphDictionary) Names() []string {
	names := make([]string, len(d))
	for name, idx := range d {
		if idx >= 0 && idx < len(names) {
			names[idx] = name
		}
	}
	return names
}

// LoadMorphTargets reads the morph-target dictionary of meshName from a
// glTF or GLB model. meshName matches either a mesh or a node name.
func LoadMorphTargets(path, meshName string) (MorphDictionary, error) {
	errb := oops.In("avatar").With("path", path, "mesh", meshName)

	doc, err := gltf.Open(path)
	if err != nil {
		return nil, errb.Wrapf(err, "open gltf")
	}

	mesh := findMesh(doc, meshName)
	if mesh == nil {
		return nil, errb.Wrap(ErrMeshNotFound)
	}

	count := 0
	for _, prim := range mesh.Primitives {
		if len(prim.Targets) > count {
			count = len(prim.Targets)
		}
	}

	names := targetNames(mesh.Extras)
	dict := make(MorphDictionary, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("target_%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		dict[name] = i
	}
	return dict, nil
}

func findMesh(doc *gltf.Document, name string) *gltf.Mesh {
	for _, m := range doc.Meshes {
		if m.Name == name {
			return m
		}
	}
	for _, n := range doc.Nodes {
		if n.Name == name && n.Mesh != nil && *n.Mesh < len(doc.Meshes) {
			return doc.Meshes[*n.Mesh]
		}
	}
	return nil
}

// targetNames reads the exporter convention extras.targetNames.
func targetNames(extras any) []string {
	var m map[string]any
	switch v := extras.(type) {
	case map[string]any:
		m = v
	case json.RawMessage:
		_ = sonic.Unmarshal(v, &m)
	case []byte:
		_ = sonic.Unmarshal(v, &m)
	}
	raw, ok := m["targetNames"].([]any)
	if !ok {
		return nil
	}
	names := make([]string, len(raw))
	for i, n := range raw {
		if s, ok := n.(string); ok {
			names[i] = s
		}
	}
	return names
}
