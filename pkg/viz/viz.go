// Package viz renders the change history of a document as a graph, one node per
// change labelled with its message, author and the content as of that change.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-whiteboard/pkg/tree"
)

// Render writes the change graph of doc as SVG. Content is read from the map under
// the version key.
func Render(doc *automerge.Doc, version string, w io.Writer) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		label, err := describe(doc, change, version)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		n.SetShape(cgraph.BoxShape)
		nodes[n.Name()] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write svg: %w", err)
	}
	return nil
}

func describe(doc *automerge.Doc, change *automerge.Change, version string) (string, error) {
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
	}
	var content any
	if value, err := docAt.Path(version).Get(); err == nil && value.Kind() == automerge.KindMap {
		if content, err = tree.Map(value.Map()); err != nil {
			return "", fmt.Errorf("failed to read content at %s: %w", change.Hash(), err)
		}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
	}
	actor := change.ActorID()
	if len(actor) > 8 {
		actor = actor[:8]
	}
	return fmt.Sprintf("%s %q %s@%d\\n%s", change.Hash().String()[:8], change.Message(), actor, change.ActorSeq(), encoded), nil
}

// RenderToTemp renders into a new temporary file and returns its path.
func RenderToTemp(doc *automerge.Doc, version string) (string, error) {
	f, err := os.CreateTemp("", "whiteboard-*.svg")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()
	if err := Render(doc, version, f); err != nil {
		return "", err
	}
	return f.Name(), nil
}
