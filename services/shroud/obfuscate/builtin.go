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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
)

// Builtin obfuscates by rewriting leaves of the syntax tree.
//
// # Description
//
// With FixedOptions the engine:
//
//   - moves eligible string literals into one shuffled array and replaces
//     each use with an indexed lookup, splitting long literals into chunks
//     joined with String.prototype.concat
//   - rewrites small decimal integers as a hex subtraction
//   - strips comments, indentation, trailing whitespace and blank lines
//
// # Limitations
//
//   - Control-flow flattening is not implemented and is skipped with a
//     debug log. Use the Command engine when it is required.
//   - Identifiers are not renamed.
//   - Literals in key, import/export, directive, JSX attribute and
//     TypeScript type positions are left alone.
//
// # Thread Safety
//
// Safe for concurrent use; every call builds its own parser.
type Builtin struct {
	logger *slog.Logger
}

// NewBuiltin creates the in-process engine. A nil logger discards logs.
func NewBuiltin(logger *slog.Logger) *Builtin {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builtin{logger: logger.With("component", "obfuscate", "engine", "builtin")}
}

// Obfuscate rewrites src.
//
// # Outputs
//
//   - []byte: Obfuscated source that parses under the same grammar.
//   - error: *ObfuscationError when src does not parse or the rewrite
//     would not parse.
func (b *Builtin) Obfuscate(ctx context.Context, src []byte, opts Options) ([]byte, error) {
	lang := opts.Language
	if lang == "" {
		lang = JavaScript
	}

	errs, err := CheckSyntax(ctx, src, lang)
	if err != nil {
		return nil, &ObfuscationError{Engine: "builtin", Reason: "parse failed", Err: err}
	}
	if len(errs) > 0 {
		return nil, &ObfuscationError{Engine: "builtin", Reason: "input does not parse", Syntax: errs}
	}

	if opts.ControlFlowFlattening {
		b.logger.Debug("control flow flattening not supported, skipped")
	}

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))

	out, err := rewrite(ctx, src, lang, opts, rng)
	if err != nil {
		return nil, &ObfuscationError{Engine: "builtin", Reason: "rewrite failed", Err: err}
	}
	if opts.Compact || opts.Simplify {
		out, err = compactLines(ctx, out, lang, opts.Compact)
		if err != nil {
			return nil, &ObfuscationError{Engine: "builtin", Reason: "compact failed", Err: err}
		}
	}

	errs, err = CheckSyntax(ctx, out, lang)
	if err != nil {
		return nil, &ObfuscationError{Engine: "builtin", Reason: "output check failed", Err: err}
	}
	if len(errs) > 0 {
		return nil, &ObfuscationError{Engine: "builtin", Reason: "rewrite produced invalid output", Syntax: errs}
	}
	return out, nil
}

// =============================================================================
// Rewrite pass
// =============================================================================

type edit struct {
	start, end uint32
	text       string
}

type stringTarget struct {
	start, end uint32
	entries    []int
	spaced     bool
}

type rewriter struct {
	src     []byte
	opts    Options
	rng     *rand.Rand
	edits   []edit
	targets []stringTarget
	entries []string
	index   map[string]int
}

var decimalInt = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

func rewrite(ctx context.Context, src []byte, lang Language, opts Options, rng *rand.Rand) ([]byte, error) {
	tree, err := parse(ctx, src, lang)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	root := tree.RootNode()

	r := &rewriter{src: src, opts: opts, rng: rng, index: map[string]int{}}
	r.visit(root, 0)

	if len(r.entries) > 0 {
		name := fmt.Sprintf("_0x%06x", rng.Uint32()&0xffffff)
		r.emitStringArray(name, prologueEnd(root))
	}
	return applyEdits(src, r.edits), nil
}

func (r *rewriter) visit(node *sitter.Node, depth int) {
	if node == nil || depth > 5000 {
		return
	}
	switch node.Type() {
	case "comment":
		if r.opts.Compact {
			text := "" // line comments end before their newline
			if !bytes.HasPrefix(r.src[node.StartByte():node.EndByte()], []byte("//")) {
				text = " "
			}
			r.edits = append(r.edits, edit{start: node.StartByte(), end: node.EndByte(), text: text})
		}
		return
	case "string":
		r.stringLiteral(node)
		return
	case "number":
		r.numberLiteral(node)
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		r.visit(node.Child(i), depth+1)
	}
}

func (r *rewriter) stringLiteral(node *sitter.Node) {
	if r.opts.StringArrayThreshold <= 0 || excluded(node) {
		return
	}
	if r.rng.Float64() >= r.opts.StringArrayThreshold {
		return
	}
	raw := string(r.src[node.StartByte():node.EndByte()])
	if len(raw) < 2 {
		return
	}
	chunks := []string{raw}
	if r.opts.SplitStrings && r.opts.SplitStringsChunkLength > 0 {
		chunks = splitLiteral(raw, r.opts.SplitStringsChunkLength)
	}
	t := stringTarget{
		start:  node.StartByte(),
		end:    node.EndByte(),
		spaced: followsWordChar(r.src, node.StartByte()),
	}
	for _, c := range chunks {
		t.entries = append(t.entries, r.intern(c))
	}
	r.targets = append(r.targets, t)
}

func (r *rewriter) intern(literal string) int {
	if i, ok := r.index[literal]; ok {
		return i
	}
	r.entries = append(r.entries, literal)
	r.index[literal] = len(r.entries) - 1
	return len(r.entries) - 1
}

func (r *rewriter) numberLiteral(node *sitter.Node) {
	if !r.opts.NumbersToExpressions || excluded(node) {
		return
	}
	text := string(r.src[node.StartByte():node.EndByte()])
	if !decimalInt.MatchString(text) || atLineStart(r.src, node.StartByte()) {
		return
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n > 1<<31 {
		return
	}
	a := int64(r.rng.IntN(0xfffff) + 0x1000)
	r.edits = append(r.edits, edit{
		start: node.StartByte(),
		end:   node.EndByte(),
		text:  fmt.Sprintf("(0x%x-0x%x)", a+n, a),
	})
}

// emitStringArray shuffles the collected literals, declares the array at
// pos and rewrites every target as a lookup.
func (r *rewriter) emitStringArray(name string, pos uint32) {
	n := len(r.entries)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if r.opts.ShuffleStringArray {
		r.rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	position := make([]int, n)
	elems := make([]string, n)
	for slot, entry := range order {
		position[entry] = slot
		elems[slot] = r.entries[entry]
	}

	decl := "var " + name + "=[" + strings.Join(elems, ",") + "];"
	if pos == 0 {
		decl += "\n"
	} else {
		decl = "\n" + decl
	}
	r.edits = append(r.edits, edit{start: pos, end: pos, text: decl})

	for _, t := range r.targets {
		var b strings.Builder
		if t.spaced {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s[0x%x]", name, position[t.entries[0]])
		if len(t.entries) > 1 {
			b.WriteString(".concat(")
			for i, e := range t.entries[1:] {
				if i > 0 {
					b.WriteByte(',')
				}
				fmt.Fprintf(&b, "%s[0x%x]", name, position[e])
			}
			b.WriteByte(')')
		}
		r.edits = append(r.edits, edit{start: t.start, end: t.end, text: b.String()})
	}
}

// prologueEnd is the offset after the hashbang, leading comments and
// directives, where the string array may be declared.
func prologueEnd(root *sitter.Node) uint32 {
	var pos uint32
	for i := 0; i < int(root.NamedChildCount()); i++ {
		c := root.NamedChild(i)
		switch {
		case c.Type() == "hash_bang_line" || c.Type() == "comment":
			pos = c.EndByte()
		case c.Type() == "expression_statement" && c.NamedChildCount() == 1 && c.NamedChild(0).Type() == "string":
			pos = c.EndByte()
		default:
			return pos
		}
	}
	return pos
}

// keyFields maps parent node types to the field holding a property name.
var keyFields = map[string]string{
	"pair":                      "key",
	"pair_pattern":              "key",
	"method_definition":         "name",
	"field_definition":          "property",
	"public_field_definition":   "name",
	"property_signature":        "name",
	"method_signature":          "name",
	"abstract_method_signature": "name",
}

var typeContexts = []string{
	"type_annotation", "type_alias_declaration", "interface_declaration",
	"enum_declaration", "ambient_declaration", "module", "internal_module",
	"type_arguments", "type_parameters", "index_signature",
}

// excluded reports literals whose position requires a literal token.
func excluded(node *sitter.Node) bool {
	parent := node.Parent()
	if parent == nil {
		return false
	}
	pt := parent.Type()
	if strings.HasPrefix(pt, "import") || strings.HasPrefix(pt, "export") ||
		strings.HasPrefix(pt, "jsx") || pt == "expression_statement" {
		return true
	}
	if field, ok := keyFields[pt]; ok {
		if k := parent.ChildByFieldName(field); k != nil &&
			k.StartByte() == node.StartByte() && k.EndByte() == node.EndByte() {
			return true
		}
	}
	for a := parent; a != nil; a = a.Parent() {
		t := a.Type()
		if strings.HasSuffix(t, "_type") || slices.Contains(typeContexts, t) {
			return true
		}
	}
	return false
}

// splitLiteral cuts a quoted literal without escapes into quoted chunks of
// at most n runes.
func splitLiteral(raw string, n int) []string {
	q := raw[0]
	if (q != '"' && q != '\'') || raw[len(raw)-1] != q || strings.ContainsRune(raw, '\\') {
		return []string{raw}
	}
	runes := []rune(raw[1 : len(raw)-1])
	if len(runes) <= n {
		return []string{raw}
	}
	var out []string
	for i := 0; i < len(runes); i += n {
		j := min(i+n, len(runes))
		out = append(out, string(q)+string(runes[i:j])+string(q))
	}
	return out
}

func atLineStart(src []byte, pos uint32) bool {
	for i := int(pos) - 1; i >= 0; i-- {
		switch src[i] {
		case ' ', '\t':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}

func followsWordChar(src []byte, pos uint32) bool {
	if pos == 0 {
		return false
	}
	c := src[pos-1]
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func applyEdits(src []byte, edits []edit) []byte {
	slices.SortStableFunc(edits, func(a, b edit) int {
		if a.start != b.start {
			return int(a.start) - int(b.start)
		}
		return int(a.end) - int(b.end)
	})
	var out bytes.Buffer
	out.Grow(len(src))
	var last uint32
	for _, e := range edits {
		if e.start < last {
			continue
		}
		out.Write(src[last:e.start])
		out.WriteString(e.text)
		last = e.end
	}
	out.Write(src[last:])
	return out.Bytes()
}

// =============================================================================
// Compact pass
// =============================================================================

type span struct{ start, end uint32 }

// compactLines trims trailing whitespace and, when full is set, indentation
// and blank lines. Lines inside multi-line literals are left as they are.
func compactLines(ctx context.Context, src []byte, lang Language, full bool) ([]byte, error) {
	tree, err := parse(ctx, src, lang)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var protected []span
	collectMultiline(tree.RootNode(), src, &protected, 0)
	inside := func(pos int) bool {
		for _, s := range protected {
			if uint32(pos) > s.start && uint32(pos) < s.end {
				return true
			}
		}
		return false
	}

	var out bytes.Buffer
	out.Grow(len(src))
	start := 0
	for {
		nl := bytes.IndexByte(src[start:], '\n')
		end := len(src)
		if nl >= 0 {
			end = start + nl
		}
		line := src[start:end]
		headKept, tailKept := inside(start), inside(end)
		if full && !headKept {
			line = bytes.TrimLeft(line, " \t")
		}
		if !tailKept {
			line = bytes.TrimRight(line, " \t\r")
		}
		if !(full && len(line) == 0 && !headKept && !tailKept) {
			out.Write(line)
			if nl >= 0 {
				out.WriteByte('\n')
			}
		}
		if nl < 0 {
			break
		}
		start = end + 1
	}
	return out.Bytes(), nil
}

func collectMultiline(node *sitter.Node, src []byte, out *[]span, depth int) {
	if node == nil || depth > 5000 {
		return
	}
	switch node.Type() {
	case "template_string", "string", "regex", "jsx_text":
		if bytes.IndexByte(src[node.StartByte():node.EndByte()], '\n') >= 0 {
			*out = append(*out, span{node.StartByte(), node.EndByte()})
		}
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectMultiline(node.Child(i), src, out, depth+1)
	}
}
