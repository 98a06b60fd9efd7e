package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"gopkg.in/yaml.v3"

	"github.com/flowkit/engine/flowerr"
)

// ManifestKind discriminates a catalog manifest's Kind field.
const (
	KindFlow = "Flow"
	KindTool = "Tool"
)

// FlowManifest is the K8s-style wrapper around a FlowDefinition, mirroring
// the teacher's tools.ToolConfig (apiVersion/kind/metadata/spec) generalized
// to this engine's two catalog object kinds.
type FlowManifest struct {
	APIVersion string            `json:"apiVersion" yaml:"apiVersion"`
	Kind       string            `json:"kind" yaml:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Spec       FlowDefinition    `json:"spec" yaml:"spec"`
}

// ToolManifest is the K8s-style wrapper around a ToolDefinition.
type ToolManifest struct {
	APIVersion string            `json:"apiVersion" yaml:"apiVersion"`
	Kind       string            `json:"kind" yaml:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Spec       ToolDefinition    `json:"spec" yaml:"spec"`
}

// LoadFlows parses a catalog file's bytes as either a bare JSON/YAML array
// of FlowDefinitions, or a single/multi-document manifest wrapper. fileExt
// selects the decoder ("json" or "yaml"/"yml").
func LoadFlows(data []byte, fileExt string) ([]FlowDefinition, error) {
	decode := decoderFor(fileExt)

	var bare []FlowDefinition
	if err := decode(data, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}

	var single FlowManifest
	if err := decode(data, &single); err == nil && single.Spec.ID != "" {
		if single.Kind != "" && single.Kind != KindFlow {
			return nil, flowerr.New(flowerr.FlowCatalogInvalid, fmt.Sprintf("manifest kind %q is not %q", single.Kind, KindFlow))
		}
		return []FlowDefinition{single.Spec}, nil
	}

	var many []FlowManifest
	if err := decode(data, &many); err == nil && len(many) > 0 {
		out := make([]FlowDefinition, 0, len(many))
		for _, m := range many {
			if m.Kind != "" && m.Kind != KindFlow {
				return nil, flowerr.New(flowerr.FlowCatalogInvalid, fmt.Sprintf("manifest kind %q is not %q", m.Kind, KindFlow))
			}
			out = append(out, m.Spec)
		}
		return out, nil
	}

	return nil, flowerr.New(flowerr.FlowCatalogInvalid, "file is neither a flow array nor a flow manifest")
}

// LoadTools parses a catalog file's bytes as either a bare array of
// ToolDefinitions or a manifest wrapper, the tool-side twin of LoadFlows.
func LoadTools(data []byte, fileExt string) ([]ToolDefinition, error) {
	decode := decoderFor(fileExt)

	var bare []ToolDefinition
	if err := decode(data, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}

	var single ToolManifest
	if err := decode(data, &single); err == nil && single.Spec.Name != "" {
		if single.Kind != "" && single.Kind != KindTool {
			return nil, flowerr.New(flowerr.FlowCatalogInvalid, fmt.Sprintf("manifest kind %q is not %q", single.Kind, KindTool))
		}
		return []ToolDefinition{single.Spec}, nil
	}

	var many []ToolManifest
	if err := decode(data, &many); err == nil && len(many) > 0 {
		out := make([]ToolDefinition, 0, len(many))
		for _, m := range many {
			if m.Kind != "" && m.Kind != KindTool {
				return nil, flowerr.New(flowerr.FlowCatalogInvalid, fmt.Sprintf("manifest kind %q is not %q", m.Kind, KindTool))
			}
			out = append(out, m.Spec)
		}
		return out, nil
	}

	return nil, flowerr.New(flowerr.FlowCatalogInvalid, "file is neither a tool array nor a tool manifest")
}

func decoderFor(fileExt string) func([]byte, any) error {
	switch fileExt {
	case "yaml", "yml":
		return yaml.Unmarshal
	default:
		return json.Unmarshal
	}
}

// ParseVersion parses a flow's version field with semver, which the spec's
// bare FlowDefinition{version} field leaves as an opaque string. A flow
// catalog that declares an unparseable version fails construction-time
// validation with FlowCatalogInvalid.
func ParseVersion(v string) (*semver.Version, error) {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.FlowCatalogInvalid, "invalid semver version "+v, err)
	}
	return sv, nil
}
