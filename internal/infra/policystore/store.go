// Package policystore reads policy documents from a directory of JSON files.
// The default Swedish policy set is compiled into the binary.
package policystore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

//go:embed defaults/*.json
var defaults embed.FS

// FSSource serves every *.json file at the root of FS in name order.
// It implements domain.PolicySource.
type FSSource struct {
	FS fs.FS
}

// Dir returns a source over a directory on disk.
func Dir(path string) FSSource {
	return FSSource{FS: os.DirFS(path)}
}

// Embedded returns the default policy set.
func Embedded() FSSource {
	sub, err := fs.Sub(defaults, "defaults")
	if err != nil {
		panic(err) // embed path is fixed at compile time
	}
	return FSSource{FS: sub}
}

// PolicyDocuments reads every document. A single unreadable file fails the load.
func (s FSSource) PolicyDocuments(ctx context.Context) ([][]byte, error) {
	names, err := fs.Glob(s.FS, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	sort.Strings(names)

	docs := make([][]byte, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(s.FS, name)
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", name, err)
		}
		docs = append(docs, data)
	}
	return docs, nil
}

// Names lists the document file names in load order.
func (s FSSource) Names() ([]string, error) {
	names, err := fs.Glob(s.FS, "*.json")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
