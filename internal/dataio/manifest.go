// Package dataio builds the train, valid and test datasets from JSON
// manifests and batches them for the training loop.
package dataio

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Entry is one utterance of a manifest.
type Entry struct {
	ID     string
	Length float64
	Words  string
	// Fields holds every string-valued key with {data_root} already resolved.
	Fields map[string]string
}

// LoadManifest reads a JSON object keyed by utterance id, keeping the file
// order of the entries.
func LoadManifest(path, dataRoot string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("manifest %s: expected a JSON object", path)
	}
	var entries []Entry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", path, err)
		}
		id, _ := keyTok.(string)
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("manifest %s entry %q: %w", path, id, err)
		}
		e, err := toEntry(id, raw, dataRoot)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func toEntry(id string, raw map[string]any, dataRoot string) (Entry, error) {
	e := Entry{ID: id, Fields: map[string]string{}}
	for k, v := range raw {
		switch val := v.(type) {
		case json.Number:
			if k == "length" {
				f, err := val.Float64()
				if err != nil {
					return e, fmt.Errorf("entry %q: bad length %q", id, val)
				}
				e.Length = f
			}
			e.Fields[k] = val.String()
		case string:
			e.Fields[k] = strings.ReplaceAll(val, "{data_root}", dataRoot)
		}
	}
	if _, ok := raw["length"]; !ok {
		return e, fmt.Errorf("entry %q has no length", id)
	}
	e.Words = e.Fields["words"]
	return e, nil
}

// WriteManifest stores entries as an ordered JSON object.
func WriteManifest(path string, entries []Entry) error {
	var sb strings.Builder
	sb.WriteString("{\n")
	for i, e := range entries {
		key, _ := json.Marshal(e.ID)
		obj := map[string]any{"length": e.Length}
		for k, v := range e.Fields {
			if k != "length" {
				obj[k] = v
			}
		}
		if _, ok := obj["words"]; !ok && e.Words != "" {
			obj["words"] = e.Words
		}
		body, err := json.MarshalIndent(obj, "    ", "    ")
		if err != nil {
			return err
		}
		sb.WriteString("    ")
		sb.Write(key)
		sb.WriteString(": ")
		sb.Write(body)
		if i < len(entries)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n")
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
