package behavior

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// latencyFields is the wire shape of LatencyVariant. Older records carry the
// delay under "ms".
type latencyFields struct {
	Weight  float64 `json:"weight" yaml:"weight"`
	DelayMs *int64  `json:"delay_ms" yaml:"delay_ms"`
	Ms      *int64  `json:"ms" yaml:"ms"`
}

func (f latencyFields) variant() LatencyVariant {
	v := LatencyVariant{Weight: f.Weight}
	switch {
	case f.DelayMs != nil:
		v.DelayMs = *f.DelayMs
	case f.Ms != nil:
		v.DelayMs = *f.Ms
	}
	return v
}

// UnmarshalJSON accepts both delay_ms and the legacy ms field.
func (v *LatencyVariant) UnmarshalJSON(data []byte) error {
	var f latencyFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = f.variant()
	return nil
}

// UnmarshalYAML accepts both delay_ms and the legacy ms field.
func (v *LatencyVariant) UnmarshalYAML(node *yaml.Node) error {
	var f latencyFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*v = f.variant()
	return nil
}

// MarshalRecord encodes b as the JSON document persisted in the store.
func MarshalRecord(b Behavior) ([]byte, error) {
	b.Normalize()
	if b.Key == "" {
		return nil, errors.New("behavior: key required")
	}
	return json.Marshal(b)
}

// UnmarshalRecord decodes one persisted JSON record and applies defaults.
func UnmarshalRecord(data []byte) (Behavior, error) {
	var b Behavior
	if err := json.Unmarshal(data, &b); err != nil {
		return Behavior{}, fmt.Errorf("behavior: decode record: %w", err)
	}
	b.Normalize()
	if b.Key == "" {
		return Behavior{}, errors.New("behavior: record missing key")
	}
	return b, nil
}

// ParseDocuments decodes seed files. Input is YAML (JSON is accepted as a
// subset) holding one behavior mapping or a sequence of them per document;
// multiple documents may be separated with "---".
func ParseDocuments(r io.Reader) ([]Behavior, error) {
	dec := yaml.NewDecoder(r)
	var out []Behavior
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("behavior: parse document: %w", err)
		}
		doc := &node
		if doc.Kind == yaml.DocumentNode {
			if len(doc.Content) == 0 {
				continue
			}
			doc = doc.Content[0]
		}
		switch doc.Kind {
		case yaml.SequenceNode:
			var items []Behavior
			if err := doc.Decode(&items); err != nil {
				return nil, fmt.Errorf("behavior: parse document: %w", err)
			}
			out = append(out, items...)
		case yaml.MappingNode:
			var item Behavior
			if err := doc.Decode(&item); err != nil {
				return nil, fmt.Errorf("behavior: parse document: %w", err)
			}
			out = append(out, item)
		case yaml.ScalarNode:
			if doc.Tag == "!!null" {
				continue
			}
			return nil, fmt.Errorf("behavior: unexpected scalar document at line %d", doc.Line)
		default:
			return nil, fmt.Errorf("behavior: unexpected document kind at line %d", doc.Line)
		}
	}
	for i := range out {
		out[i].Normalize()
		if out[i].Key == "" {
			return nil, fmt.Errorf("behavior: entry %d missing key", i)
		}
	}
	return out, nil
}

// EncodeYAML renders behaviors as a single YAML sequence document.
func EncodeYAML(w io.Writer, items []Behavior) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(items); err != nil {
		return err
	}
	return enc.Close()
}

// EncodeJSON renders behaviors as an indented JSON array.
func EncodeJSON(w io.Writer, items []Behavior) error {
	if items == nil {
		items = []Behavior{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
