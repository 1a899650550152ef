// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package obfuscate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language selects the tree-sitter grammar.
type Language string

const (
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	TSX        Language = "tsx"
)

// LanguageFor picks the grammar from a file extension. Anything that is
// not TypeScript parses as JavaScript (which covers JSX).
func LanguageFor(path string) Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return TypeScript
	case ".tsx":
		return TSX
	default:
		return JavaScript
	}
}

func (l Language) grammar() *sitter.Language {
	switch l {
	case TypeScript:
		return typescript.GetLanguage()
	case TSX:
		return tsx.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

// SyntaxError is one ERROR or MISSING node of a parse.
type SyntaxError struct {
	Line    int // 1-based
	Column  int // 0-based byte column
	Message string
}

func (e SyntaxError) String() string {
	return fmt.Sprintf("%d:%d %s", e.Line, e.Column, e.Message)
}

// maxSyntaxErrors caps collection on heavily malformed input.
const maxSyntaxErrors = 50

func parse(ctx context.Context, src []byte, lang Language) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(lang.grammar())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", lang, err)
	}
	return tree, nil
}

// CheckSyntax parses src and returns its syntax errors, nil when clean.
//
// # Outputs
//
//   - []SyntaxError: At most 50 errors in document order.
//   - error: Non-nil only when parsing itself failed (e.g. ctx cancelled).
func CheckSyntax(ctx context.Context, src []byte, lang Language) ([]SyntaxError, error) {
	tree, err := parse(ctx, src, lang)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}
	var errs []SyntaxError
	collectSyntaxErrors(root, src, &errs, 0)
	return errs, nil
}

func collectSyntaxErrors(node *sitter.Node, src []byte, errs *[]SyntaxError, depth int) {
	if node == nil || depth > 1000 || len(*errs) >= maxSyntaxErrors {
		return
	}
	if node.IsError() || node.IsMissing() {
		p := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		} else if start, end := node.StartByte(), min(node.EndByte(), uint32(len(src))); end > start && end-start < 60 {
			msg = fmt.Sprintf("unexpected %q", src[start:end])
		}
		*errs = append(*errs, SyntaxError{Line: int(p.Row) + 1, Column: int(p.Column), Message: msg})
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectSyntaxErrors(node.Child(i), src, errs, depth+1)
	}
}
