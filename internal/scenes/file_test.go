package scenes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

func testRegistry(t *testing.T) *device.Registry {
	t.Helper()
	reg := device.NewRegistry(device.RegistryOptions{})
	reg.SetModem(device.Info{Address: modemAddr})
	for name, addr := range map[string]insteon.Address{"porch": addrA, "kitchen": addrB} {
		if _, err := reg.Add(context.Background(), device.Info{Address: addr, Name: name}); err != nil {
			t.Fatalf("Add(%s) error = %v", name, err)
		}
	}
	return reg
}

const sceneYAML = `
- name: evening
  controllers:
    - modem: 5
  responders:
    - porch
    - kitchen:
        data_1: 127
    - 22.33.44
- controllers:
    - porch:
        group: 2
        data_3: 9
  responders:
    - kitchen:
`

func TestParse(t *testing.T) {
	got, err := Parse([]byte(sceneYAML), testRegistry(t))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := []Descriptor{
		{
			Name:        "evening",
			Controllers: []Member{member(modemAddr, 5, device.DefaultData(true, 5))},
			Responders: []Member{
				member(addrA, 1, device.DefaultData(false, 1)),
				member(addrB, 1, [3]byte{0x7f, 0x00, 0x01}),
				member(addrC, 1, device.DefaultData(false, 1)),
			},
		},
		{
			Controllers: []Member{member(addrA, 2, [3]byte{0x03, 0x00, 0x09})},
			Responders:  []Member{member(addrB, 1, device.DefaultData(false, 1))},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %+v, want %+v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "unknown label",
			yaml: "- controllers: [nobody]\n  responders: [porch]\n",
			want: ErrUnknownDevice,
		},
		{
			name: "group out of range",
			yaml: "- controllers: [{porch: 300}]\n  responders: [kitchen]\n",
			want: ErrInvalidScene,
		},
		{
			name: "data out of range",
			yaml: "- controllers: [porch]\n  responders: [{kitchen: {data_2: -1}}]\n",
			want: ErrInvalidScene,
		},
		{
			name: "nested list",
			yaml: "- controllers: [[porch]]\n  responders: [kitchen]\n",
			want: ErrInvalidScene,
		},
	}

	reg := testRegistry(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml), reg); !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Parse([]byte("controllers: porch"), reg); err == nil {
		t.Error("Parse() of a mapping succeeded, want error")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	descs, err := Parse([]byte(sceneYAML), reg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	names := func(a insteon.Address) string {
		switch a {
		case modemAddr:
			return "modem"
		case addrA:
			return "porch"
		case addrB:
			return "kitchen"
		}
		return a.String()
	}
	data, err := Marshal(descs, names)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	for _, s := range []string{"name: evening", "modem: 5", "data_1: 127", "group: 2", "data_3: 9", "22.33.44"} {
		if !strings.Contains(string(data), s) {
			t.Errorf("Marshal() output missing %q:\n%s", s, data)
		}
	}

	again, err := Parse(data, reg)
	if err != nil {
		t.Fatalf("Parse(Marshal()) error = %v\n%s", err, data)
	}
	if !reflect.DeepEqual(again, descs) {
		t.Errorf("round trip = %+v, want %+v", again, descs)
	}
}

func TestLoadFileMissing(t *testing.T) {
	descs, err := LoadFile(filepath.Join(t.TempDir(), "scenes.yaml"), nil)
	if err != nil || descs != nil {
		t.Errorf("LoadFile() = %v, %v, want nothing", descs, err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenes.yaml")
	descs := []Descriptor{{
		Name:        "hall",
		Controllers: []Member{member(addrA, 1, device.DefaultData(true, 1))},
		Responders:  []Member{member(addrB, 3, [3]byte{0x40, 0x1c, 0x03})},
	}}

	if err := Save(path, descs, nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if !reflect.DeepEqual(got, descs) {
		t.Errorf("LoadFile() = %+v, want %+v", got, descs)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d files, want only the scenes file", len(entries))
	}
}
