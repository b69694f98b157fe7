package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"seqasr/internal/assets"

	"github.com/pelletier/go-toml/v2"
)

// loadDocument parses path into a generic document with its includes merged
// underneath it, so keys in the including file win.
func loadDocument(path string, seen map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		return nil, fmt.Errorf("include cycle at %s", path)
	}
	seen[abs] = true
	defer delete(seen, abs)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hparams: %w", err)
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse hparams %s: %w", path, err)
	}

	merged := map[string]any{}
	for _, inc := range includeList(doc) {
		incPath, err := resolveInclude(filepath.Dir(path), inc)
		if err != nil {
			return nil, err
		}
		sub, err := loadDocument(incPath, seen)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		deepMerge(merged, sub)
	}
	deepMerge(merged, doc)
	return merged, nil
}

func includeList(doc map[string]any) []string {
	raw, ok := doc["include"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// resolveInclude maps an include entry to a local file. Remote entries are
// fetched into a models directory next to the including file.
func resolveInclude(baseDir, inc string) (string, error) {
	if assets.IsRemote(inc) {
		return assets.DownloadToDir(context.Background(), inc, filepath.Join(baseDir, "models"))
	}
	if filepath.IsAbs(inc) {
		return inc, nil
	}
	return filepath.Join(baseDir, inc), nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			cp := map[string]any{}
			deepMerge(cp, srcMap)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

// applyOverride sets a dotted key from a "section.key=value" argument. The
// value is read as a TOML value when it parses as one and as a bare string
// otherwise.
func applyOverride(doc map[string]any, arg string) error {
	arg = strings.TrimPrefix(arg, "--")
	key, raw, ok := strings.Cut(arg, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("override %q: expected key=value", arg)
	}
	parts := strings.Split(strings.TrimSpace(key), ".")
	node := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = parseValue(raw)
	return nil
}

func parseValue(raw string) any {
	var holder map[string]any
	if err := toml.Unmarshal([]byte("v = "+raw), &holder); err == nil {
		return holder["v"]
	}
	return raw
}
