package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-whiteboard/internal/demoboard"
	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/storage/bolt"
	"github.com/astromechza/automerge-whiteboard/pkg/storage/sqlite"
	"github.com/astromechza/automerge-whiteboard/pkg/tree"
	"github.com/astromechza/automerge-whiteboard/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	versionVar := flag.String("version", demoboard.Version, "the version key holding the content")
	sqliteVar := flag.String("sqlite", "", "read the document from this sqlite database instead of a file")
	boltVar := flag.String("bolt", "", "read the document from this bolt cache instead of a file")
	svgVar := flag.String("svg", "", "render the change graph to this path")
	flag.Parse()

	raw, err := readInput(context.Background(), *sqliteVar, *boltVar)
	if err != nil {
		return err
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	raw = nil

	var content any
	if value, err := doc.Path(*versionVar).Get(); err == nil && value.Kind() == automerge.KindMap {
		if content, err = tree.Map(value.Map()); err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
	} else {
		slog.Warn("version key not found", "version", *versionVar, "keys", rootKeys(doc))
	}
	encoded, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	slog.Info("loaded doc", "version", *versionVar, "heads", doc.Heads())
	fmt.Println(string(encoded))

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change",
			"i", fmt.Sprintf("%4d", i),
			"hash", change.Hash(),
			"actor", change.ActorID(),
			"seq", change.ActorSeq(),
			"message", change.Message(),
			"dep", change.Dependencies(),
		)
	}

	if *svgVar != "" {
		f, err := os.Create(*svgVar)
		if err != nil {
			return fmt.Errorf("failed to create svg file: %w", err)
		}
		defer f.Close()
		if err := viz.Render(doc, *versionVar, f); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}

func readInput(ctx context.Context, sqlitePath, boltPath string) ([]byte, error) {
	var storage collab.DocumentStorage
	switch {
	case sqlitePath != "":
		s, err := sqlite.Open(ctx, sqlitePath)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		storage = s
	case boltPath != "":
		s, err := bolt.Open(boltPath)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		storage = s
	default:
		if flag.NArg() != 1 {
			return nil, fmt.Errorf("expected one position argument: the file to read")
		}
		raw, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return raw, nil
	}
	if flag.NArg() != 1 {
		return nil, fmt.Errorf("expected one position argument: the document id")
	}
	return storage.Load(ctx, flag.Arg(0))
}

func rootKeys(doc *automerge.Doc) []string {
	keys, err := doc.RootMap().Keys()
	if err != nil {
		return nil
	}
	return keys
}
