package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	"gopkg.in/yaml.v3"

	"github.com/polisai/packetflow/pkg/domain"
)

// Format names a flow file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
)

// ErrUnsupportedFormat is returned for flow files with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported flow file format")

// FormatFromPath picks the flow file format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// LoadFlowFile reads and decodes a flow descriptor from path.
func LoadFlowFile(path string) (domain.FlowDescriptor, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return domain.FlowDescriptor{}, err
	}

	// #nosec G304 -- Flow file path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.FlowDescriptor{}, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	desc, err := ParseFlow(data, format, filepath.Base(path))
	if err != nil {
		return domain.FlowDescriptor{}, fmt.Errorf("failed to parse flow file %s: %w", path, err)
	}
	return desc, nil
}

// ParseFlow decodes a flow descriptor. filename is only used in HCL diagnostics.
func ParseFlow(data []byte, format Format, filename string) (domain.FlowDescriptor, error) {
	var desc domain.FlowDescriptor

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return domain.FlowDescriptor{}, err
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &desc); err != nil {
			return domain.FlowDescriptor{}, err
		}
	case FormatHCL:
		return parseHCL(data, filename)
	default:
		return domain.FlowDescriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return desc, nil
}

// hclFlow is the block layout of an HCL flow file:
//
//	node "src" {
//	  type       = "passthrough"
//	  properties = { greeting = "hi" }
//	}
//
//	connection {
//	  source = "src:out"
//	  target = "sink:in"
//	}
type hclFlow struct {
	Nodes       []hclNode       `hcl:"node,block"`
	Connections []hclConnection `hcl:"connection,block"`
}

type hclNode struct {
	ID         string         `hcl:"id,label"`
	Type       string         `hcl:"type"`
	Properties hcl.Expression `hcl:"properties,optional"`
}

type hclConnection struct {
	Source string `hcl:"source"`
	Target string `hcl:"target"`
}

func parseHCL(data []byte, filename string) (domain.FlowDescriptor, error) {
	file, diags := hclsyntax.ParseConfig(data, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return domain.FlowDescriptor{}, diags
	}

	var doc hclFlow
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return domain.FlowDescriptor{}, diags
	}

	desc := domain.FlowDescriptor{
		Nodes:       make([]domain.FlowNode, 0, len(doc.Nodes)),
		Connections: make([]domain.Connection, 0, len(doc.Connections)),
	}

	for _, n := range doc.Nodes {
		props, err := hclProperties(n.Properties)
		if err != nil {
			return domain.FlowDescriptor{}, fmt.Errorf("node %q: %w", n.ID, err)
		}
		desc.Nodes = append(desc.Nodes, domain.FlowNode{ID: n.ID, Type: n.Type, Properties: props})
	}

	for i, c := range doc.Connections {
		source, err := ParseEndpoint(c.Source)
		if err != nil {
			return domain.FlowDescriptor{}, fmt.Errorf("connection %d source: %w", i, err)
		}
		target, err := ParseEndpoint(c.Target)
		if err != nil {
			return domain.FlowDescriptor{}, fmt.Errorf("connection %d target: %w", i, err)
		}
		desc.Connections = append(desc.Connections, domain.Connection{Source: source, Target: target})
	}

	return desc, nil
}

// ParseEndpoint parses "nodeId:port". The port is everything after the last colon,
// so node ids may themselves contain colons.
func ParseEndpoint(s string) (domain.Endpoint, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return domain.Endpoint{}, fmt.Errorf("endpoint %q must be of the form node:port", s)
	}
	return domain.Endpoint{ID: s[:idx], Port: s[idx+1:]}, nil
}

func hclProperties(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}

	native, err := ctyToNative(val)
	if err != nil {
		return nil, err
	}
	if native == nil {
		return nil, nil
	}
	props, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("properties must be an object, got %s", val.Type().FriendlyName())
	}
	return props, nil
}

// ctyToNative converts a cty value into plain Go values: strings, bools, ints for
// whole numbers, float64 otherwise, []any and map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("convert number: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
