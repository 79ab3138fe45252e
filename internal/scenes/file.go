package scenes

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// fileScene is one entry of the scenes file. Members keep their raw nodes
// because each may be written in one of three forms:
//
//	responders:
//	  - porch                 # group 1, default data
//	  - porch: 3              # group 3, default data
//	  - porch:                # explicit fields, omitted ones default
//	      group: 3
//	      data_1: 255
type fileScene struct {
	Name        string      `yaml:"name,omitempty"`
	Controllers []yaml.Node `yaml:"controllers"`
	Responders  []yaml.Node `yaml:"responders"`
}

type fileMember struct {
	Group *int `yaml:"group"`
	Data1 *int `yaml:"data_1"`
	Data2 *int `yaml:"data_2"`
	Data3 *int `yaml:"data_3"`
}

// LoadFile reads a scenes file. Labels are resolved through resolver
// (device names, "modem") and otherwise parsed as addresses, so links to
// devices that are not configured can still be declared. A missing file
// yields no scenes.
func LoadFile(path string, resolver Resolver) ([]Descriptor, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Operator-configured path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading scenes file: %w", err)
	}
	return Parse(data, resolver)
}

// Parse decodes scenes file content. See LoadFile.
func Parse(data []byte, resolver Resolver) ([]Descriptor, error) {
	var raw []fileScene
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing scenes file: %w", err)
	}

	out := make([]Descriptor, 0, len(raw))
	for i, fs := range raw {
		d := Descriptor{Name: fs.Name}
		for j := range fs.Controllers {
			m, err := parseMember(&fs.Controllers[j], true, resolver)
			if err != nil {
				return nil, fmt.Errorf("scene %d controller %d: %w", i+1, j+1, err)
			}
			d.Controllers = append(d.Controllers, m)
		}
		for j := range fs.Responders {
			m, err := parseMember(&fs.Responders[j], false, resolver)
			if err != nil {
				return nil, fmt.Errorf("scene %d responder %d: %w", i+1, j+1, err)
			}
			d.Responders = append(d.Responders, m)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseMember(n *yaml.Node, controller bool, resolver Resolver) (Member, error) {
	var (
		lbl    string
		fields fileMember
	)

	switch {
	case n.Kind == yaml.ScalarNode:
		lbl = n.Value
	case n.Kind == yaml.MappingNode && len(n.Content) == 2:
		lbl = n.Content[0].Value
		v := n.Content[1]
		switch {
		case v.Kind == yaml.ScalarNode && v.ShortTag() == "!!null":
		case v.Kind == yaml.ScalarNode:
			var g int
			if err := v.Decode(&g); err != nil {
				return Member{}, fmt.Errorf("%w: %s: group: %v", ErrInvalidScene, lbl, err)
			}
			fields.Group = &g
		case v.Kind == yaml.MappingNode:
			if err := v.Decode(&fields); err != nil {
				return Member{}, fmt.Errorf("%w: %s: %v", ErrInvalidScene, lbl, err)
			}
		default:
			return Member{}, fmt.Errorf("%w: %s: unexpected value", ErrInvalidScene, lbl)
		}
	default:
		return Member{}, fmt.Errorf("%w: line %d: expected a device label", ErrInvalidScene, n.Line)
	}

	addr, err := resolveLabel(lbl, resolver)
	if err != nil {
		return Member{}, err
	}

	m := Member{Addr: addr, Group: 1}
	if fields.Group != nil {
		g, err := byteField(lbl, "group", *fields.Group)
		if err != nil {
			return Member{}, err
		}
		m.Group = g
	}
	m.Data = device.DefaultData(controller, m.Group)
	for i, f := range []*int{fields.Data1, fields.Data2, fields.Data3} {
		if f == nil {
			continue
		}
		b, err := byteField(lbl, "data_"+strconv.Itoa(i+1), *f)
		if err != nil {
			return Member{}, err
		}
		m.Data[i] = b
	}
	return m, nil
}

func resolveLabel(lbl string, resolver Resolver) (insteon.Address, error) {
	if resolver != nil {
		if n, err := resolver.Resolve(lbl); err == nil && !n.Addr().IsZero() {
			return n.Addr(), nil
		}
	}
	addr, err := insteon.ParseAddress(lbl)
	if err != nil {
		return insteon.Address{}, fmt.Errorf("%w: %q", ErrUnknownDevice, lbl)
	}
	return addr, nil
}

func byteField(lbl, name string, v int) (uint8, error) {
	if v < 0 || v > 0xff {
		return 0, fmt.Errorf("%w: %s: %s %d out of range", ErrInvalidScene, lbl, name, v)
	}
	return uint8(v), nil
}

// Save writes descs to path in the compact form LoadFile reads, replacing
// the file atomically. name returns the label to write for an address; nil
// writes addresses.
func Save(path string, descs []Descriptor, name func(insteon.Address) string) error {
	data, err := Marshal(descs, name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("saving scenes file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // Write error takes precedence
		return fmt.Errorf("saving scenes file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("saving scenes file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("saving scenes file: %w", err)
	}
	return nil
}

// Marshal encodes descs as scenes file content. See Save.
func Marshal(descs []Descriptor, name func(insteon.Address) string) ([]byte, error) {
	if name == nil {
		name = insteon.Address.String
	}

	root := &yaml.Node{Kind: yaml.SequenceNode}
	for _, d := range descs {
		scene := &yaml.Node{Kind: yaml.MappingNode}
		if d.Name != "" {
			scene.Content = append(scene.Content, strNode("name"), strNode(d.Name))
		}
		ctrls := &yaml.Node{Kind: yaml.SequenceNode}
		for _, m := range d.Controllers {
			ctrls.Content = append(ctrls.Content, memberNode(m, true, name(m.Addr)))
		}
		resps := &yaml.Node{Kind: yaml.SequenceNode}
		for _, m := range d.Responders {
			resps.Content = append(resps.Content, memberNode(m, false, name(m.Addr)))
		}
		scene.Content = append(scene.Content, strNode("controllers"), ctrls, strNode("responders"), resps)
		root.Content = append(root.Content, scene)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("encoding scenes: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding scenes: %w", err)
	}
	return buf.Bytes(), nil
}

// memberNode writes m in the shortest form that reads back to m.
func memberNode(m Member, controller bool, lbl string) *yaml.Node {
	def := device.DefaultData(controller, m.Group)
	if m.Data == def {
		if m.Group == 1 {
			return strNode(lbl)
		}
		return &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{strNode(lbl), intNode(int(m.Group))}}
	}

	fields := &yaml.Node{Kind: yaml.MappingNode}
	if m.Group != 1 {
		fields.Content = append(fields.Content, strNode("group"), intNode(int(m.Group)))
	}
	for i := range m.Data {
		if m.Data[i] != def[i] {
			fields.Content = append(fields.Content, strNode("data_"+strconv.Itoa(i+1)), intNode(int(m.Data[i])))
		}
	}
	return &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{strNode(lbl), fields}}
}

func strNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func intNode(v int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(v)}
}
