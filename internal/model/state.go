package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// ErrStrictLoad reports a state file whose parameter names or sizes differ
// from the module it is loaded into.
var ErrStrictLoad = errors.New("state does not match module parameters")

func init() {
	var n namedTensor
	serializer.RegisterTypedDeserializer(n.SerializerType(), deserializeNamedTensor)
}

type namedTensor struct {
	Name   string
	Vector anyvec.Vector
}

func deserializeNamedTensor(d []byte) (*namedTensor, error) {
	n, k := binary.Uvarint(d)
	if k <= 0 || uint64(len(d)-k) < n {
		return nil, errors.New("deserialize named tensor: truncated name")
	}
	name := string(d[k : k+int(n)])
	var vec *anyvecsave.S
	if err := serializer.DeserializeAny(d[k+int(n):], &vec); err != nil {
		return nil, essentials.AddCtx("deserialize named tensor "+name, err)
	}
	return &namedTensor{Name: name, Vector: vec.Vector}, nil
}

func (n *namedTensor) SerializerType() string {
	return "seqasr/internal/model.namedTensor"
}

func (n *namedTensor) Serialize() ([]byte, error) {
	body, err := serializer.SerializeAny(&anyvecsave.S{Vector: n.Vector})
	if err != nil {
		return nil, err
	}
	out := binary.AppendUvarint(nil, uint64(len(n.Name)))
	out = append(out, n.Name...)
	return append(out, body...), nil
}

// SaveState writes every named parameter of m to path.
func SaveState(path string, m Module) error {
	var slice []serializer.Serializer
	for _, p := range m.NamedParameters() {
		slice = append(slice, &namedTensor{Name: p.Name, Vector: p.Var.Vector})
	}
	data, err := serializer.SerializeSlice(slice)
	if err != nil {
		return essentials.AddCtx("save state", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadState copies the tensors stored at path into m. The stored names must
// be exactly the module's names and every size must agree; nothing is
// modified otherwise.
func LoadState(path string, m Module) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return essentials.AddCtx("load state", err)
	}
	slice, err := serializer.DeserializeSlice(data)
	if err != nil {
		return essentials.AddCtx("load state "+path, err)
	}
	stored := map[string]anyvec.Vector{}
	for _, x := range slice {
		nt, ok := x.(*namedTensor)
		if !ok {
			return fmt.Errorf("load state %s: unexpected entry %T", path, x)
		}
		stored[nt.Name] = nt.Vector
	}

	params := m.NamedParameters()
	var missing, mismatched []string
	want := map[string]bool{}
	for _, p := range params {
		want[p.Name] = true
		v, ok := stored[p.Name]
		switch {
		case !ok:
			missing = append(missing, p.Name)
		case v.Len() != p.Var.Vector.Len():
			mismatched = append(mismatched, fmt.Sprintf("%s (%d vs %d)", p.Name, v.Len(), p.Var.Vector.Len()))
		}
	}
	var unexpected []string
	for name := range stored {
		if !want[name] {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing)+len(unexpected)+len(mismatched) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("%w: %s: missing [%s] unexpected [%s] size [%s]", ErrStrictLoad, path,
			strings.Join(missing, " "), strings.Join(unexpected, " "), strings.Join(mismatched, " "))
	}
	for _, p := range params {
		p.Var.Vector.Set(stored[p.Name])
	}
	return nil
}

// StateFile adapts a module to the checkpoint Recoverable interface.
type StateFile struct {
	M Module
}

func (s StateFile) Save(path string) error { return SaveState(path, s.M) }

func (s StateFile) Load(path string) error { return LoadState(path, s.M) }
