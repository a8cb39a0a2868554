// Package validate compiles configuration-supplied expressions into the validator
// hooks used by documents, the synchronization service and the undo manager.
//
// Expressions are written in the expr language and must evaluate to a bool. A
// runtime error or a non-bool result counts as a rejection. An empty expression
// compiles to a nil validator, which accepts everything.
package validate

import (
	"fmt"
	"log/slog"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/docsync"
	"github.com/astromechza/automerge-whiteboard/pkg/document"
	"github.com/astromechza/automerge-whiteboard/pkg/tree"
	"github.com/astromechza/automerge-whiteboard/pkg/undo"
)

type rule struct {
	program    *exprvm.Program
	expression string
	logger     *slog.Logger
}

func compile(expression string, logger *slog.Logger) (*rule, error) {
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", expression, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &rule{program: program, expression: expression, logger: logger}, nil
}

func (r *rule) eval(env map[string]any) bool {
	out, err := exprlang.Run(r.program, env)
	if err != nil {
		r.logger.Error("validator failed", "expression", r.expression, "err", err)
		return false
	}
	ok, isBool := out.(bool)
	if !isBool {
		r.logger.Error("validator did not return a bool", "expression", r.expression, "result", out)
		return false
	}
	return ok
}

// Document compiles a content validator. The content map is available as
// content, and its top-level keys are also bound directly.
func Document(expression string, logger *slog.Logger) (document.Validator, error) {
	if expression == "" {
		return nil, nil
	}
	r, err := compile(expression, logger)
	if err != nil {
		return nil, err
	}
	return func(content map[string]any) bool {
		env := make(map[string]any, len(content)+1)
		for k, v := range content {
			env[k] = v
		}
		env["content"] = content
		return r.eval(env)
	}, nil
}

// Snapshot compiles an announcement filter. The announcement fields are bound as
// documentId, snapshotId, sessionId, totalChunks, size and createdAt, and the
// current time as now.
func Snapshot(expression string, logger *slog.Logger) (docsync.SnapshotValidator, error) {
	if expression == "" {
		return nil, nil
	}
	r, err := compile(expression, logger)
	if err != nil {
		return nil, err
	}
	return func(ann collab.SnapshotAnnouncement) bool {
		return r.eval(map[string]any{
			"documentId":  ann.DocumentID,
			"snapshotId":  ann.SnapshotID,
			"sessionId":   ann.SessionID,
			"totalChunks": ann.TotalChunks,
			"size":        ann.Size,
			"createdAt":   ann.CreatedAt,
			"now":         time.Now().UTC(),
		})
	}, nil
}

// Paths compiles an undo stack validator. The current content is bound as content
// and the touched paths as paths, each rendered like "/shapes/a/color".
func Paths(expression string, logger *slog.Logger) (undo.Validator, error) {
	if expression == "" {
		return nil, nil
	}
	r, err := compile(expression, logger)
	if err != nil {
		return nil, err
	}
	return func(root map[string]any, paths []tree.Path) bool {
		rendered := make([]string, len(paths))
		for i, p := range paths {
			rendered[i] = p.String()
		}
		return r.eval(map[string]any{"content": root, "paths": rendered})
	}, nil
}
