package schema

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Options controls how includes are resolved.
type Options struct {
	// BaseDir resolves quoted includes of text passed to ParseText.
	// Defaults to the working directory.
	BaseDir string
	// ReadFile loads included files. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Result is a parsed header together with the files it was read from.
type Result struct {
	Schema *Schema
	Files  []string
}

// Parse parses header text. Quoted includes resolve against the working
// directory.
func Parse(text string) (*Schema, error) {
	res, err := ParseText("<input>", text, Options{})
	if err != nil {
		return nil, err
	}
	return res.Schema, nil
}

// ParseFile parses the header at path and everything it includes.
func ParseFile(path string) (*Result, error) {
	return ParseFileWith(path, Options{})
}

// ParseFileWith is ParseFile with explicit options.
func ParseFileWith(path string, opts Options) (*Result, error) {
	pp := newPreprocessor(opts.ReadFile)
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	data, err := pp.readFile(abs)
	if err != nil {
		return nil, err
	}
	toks, err := pp.expand(abs, string(data))
	if err != nil {
		return nil, err
	}
	s, err := parseTokens(toks)
	if err != nil {
		return nil, err
	}
	return &Result{Schema: s, Files: pp.files}, nil
}

// ParseText parses text as if it were a file called name.
func ParseText(name, text string, opts Options) (*Result, error) {
	base := opts.BaseDir
	if base == "" {
		if wd, err := os.Getwd(); err == nil {
			base = wd
		}
	}
	pp := newPreprocessor(opts.ReadFile)
	toks, err := pp.expand(filepath.Join(base, name), text)
	if err != nil {
		return nil, err
	}
	s, err := parseTokens(toks)
	if err != nil {
		return nil, err
	}
	return &Result{Schema: s, Files: pp.files[1:]}, nil
}

func parseTokens(toks []token) (*Schema, error) {
	p := &parser{toks: toks, s: newSchema()}
	if err := p.parseDecls(false); err != nil {
		return nil, err
	}
	return p.s, nil
}

type parser struct {
	toks  []token
	i     int
	s     *Schema
	scope ScopedName
	anon  int
}

func (p *parser) peekAt(n int) token {
	if p.i+n < len(p.toks) {
		return p.toks[p.i+n]
	}
	var pos Pos
	if len(p.toks) > 0 {
		pos = p.toks[len(p.toks)-1].pos
	}
	return token{kind: tokEOF, pos: pos}
}

func (p *parser) peek() token { return p.peekAt(0) }

func (p *parser) next() token {
	t := p.peek()
	if p.i < len(p.toks) {
		p.i++
	}
	return t
}

func (p *parser) accept(text string) bool {
	if p.peek().is(text) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(text string) (token, error) {
	t := p.peek()
	if !t.is(text) {
		return t, errorAt(t, "expected %q", text)
	}
	p.i++
	return t, nil
}

func (p *parser) expectIdent() (token, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return t, errorAt(t, "expected identifier")
	}
	p.i++
	return t, nil
}

func (p *parser) qualify(name string) string {
	return append(append(ScopedName{}, p.scope...), name).String()
}

// parseDecls reads declarations until EOF or, when nested, the closing brace
// (left for the caller).
func (p *parser) parseDecls(nested bool) error {
	for {
		t := p.peek()
		if t.kind == tokEOF {
			if nested {
				return errorAt(t, "missing closing brace")
			}
			return nil
		}
		if nested && t.is("}") {
			return nil
		}
		if err := p.parseDecl(); err != nil {
			return err
		}
	}
}

func (p *parser) parseDecl() error {
	t := p.peek()
	switch {
	case t.is(";"):
		p.next()
		return nil
	case t.is("namespace"):
		return p.parseNamespace()
	case t.is("struct"), t.is("class"), t.is("union"), t.is("enum"):
		if p.isDefinition() {
			if _, err := p.parseTagged(nil); err != nil {
				return err
			}
			// a trailing declarator at namespace scope is a global variable
			return p.skipStatement()
		}
		return p.parseMember(nil)
	case t.is("typedef"):
		return p.parseTypedef()
	case t.is("using"):
		return p.parseUsing()
	case t.is("template"):
		return p.skipTemplate()
	case t.is("static_assert"):
		return p.skipStatement()
	case t.is("extern"):
		if p.peekAt(1).kind == tokString {
			p.next()
			p.next()
			if p.accept("{") {
				if err := p.parseDecls(true); err != nil {
					return err
				}
				_, err := p.expect("}")
				return err
			}
			return p.parseDecl()
		}
		return p.skipStatement()
	case t.kind == tokIdent, t.is("::"):
		return p.parseMember(nil)
	}
	return errorAt(t, "unexpected token at top level")
}

func (p *parser) parseNamespace() error {
	p.next()
	var names []string
	if p.peek().kind == tokIdent {
		for {
			id, err := p.expectIdent()
			if err != nil {
				return err
			}
			names = append(names, id.text)
			if !p.accept("::") {
				break
			}
		}
	}
	if _, err := p.expect("{"); err != nil {
		return err
	}
	saved := p.scope
	p.scope = append(append(ScopedName{}, saved...), names...)
	if err := p.parseDecls(true); err != nil {
		return err
	}
	p.scope = saved
	if _, err := p.expect("}"); err != nil {
		return err
	}
	p.accept(";")
	return nil
}

// isDefinition reports whether the tokens at the cursor open a struct,
// union or enum body, as opposed to naming one in a declaration.
func (p *parser) isDefinition() bool {
	n := 1
	if p.peek().is("enum") && (p.peekAt(1).is("class") || p.peekAt(1).is("struct")) {
		n++
	}
	if p.peekAt(n).is("{") {
		return true
	}
	if p.peekAt(n).kind != tokIdent {
		return false
	}
	n++
	for p.peekAt(n).is("final") {
		n++
	}
	return p.peekAt(n).is("{") || p.peekAt(n).is(":")
}

// parseTagged parses a struct, union or enum definition and returns a type
// that refers to it. aliasHint names an otherwise anonymous definition
// introduced by a typedef.
func (p *parser) parseTagged(aliasHint *string) (TypeRef, error) {
	kw := p.next()
	if kw.is("enum") {
		return p.parseEnum(kw, aliasHint)
	}
	name := ""
	if p.peek().kind == tokIdent {
		name = p.next().text
	}
	for p.accept("final") {
	}
	if kw.is("union") {
		if name == "" {
			return p.parseUnionBody()
		}
		u, err := p.parseUnionBody()
		if err != nil {
			return TypeRef{}, err
		}
		q := p.qualify(name)
		p.s.Typedefs[q] = u
		return TypeRef{Kind: KindNamed, Name: ScopedName{name}, Scope: p.scope}, nil
	}
	if name == "" {
		if aliasHint != nil && *aliasHint != "" {
			name = *aliasHint
		} else {
			p.anon++
			name = "__anon" + strconv.Itoa(p.anon)
		}
	}
	if err := p.parseStruct(kw, name); err != nil {
		return TypeRef{}, err
	}
	return TypeRef{Kind: KindNamed, Name: ScopedName{name}, Scope: p.scope}, nil
}

func (p *parser) parseStruct(kw token, name string) error {
	q := p.qualify(name)
	if _, dup := p.s.Structs[q]; dup {
		return errorAt(kw, "struct %s redefined", q)
	}
	st := &StructDecl{Name: q, Pos: kw.pos}
	p.s.Structs[q] = st
	p.s.Order = append(p.s.Order, q)

	saved := p.scope
	p.scope = append(append(ScopedName{}, saved...), name)
	defer func() { p.scope = saved }()

	if p.accept(":") {
		for {
			for p.accept("public") || p.accept("private") || p.accept("protected") || p.accept("virtual") {
			}
			base, err := p.parseType()
			if err != nil {
				return err
			}
			// bases scope from the enclosing scope, not the struct itself
			if base.Kind == KindNamed {
				base.Scope = saved
			}
			st.Fields = append(st.Fields, FieldDecl{Name: base.Name.String(), Anonymous: true, Type: base, Index: len(st.Fields), Pos: kw.pos})
			if !p.accept(",") {
				break
			}
		}
	}
	if _, err := p.expect("{"); err != nil {
		return err
	}
	for {
		t := p.peek()
		if t.kind == tokEOF {
			return errorAt(t, "missing closing brace of struct %s", q)
		}
		if t.is("}") {
			p.next()
			return nil
		}
		if err := p.parseMember(st); err != nil {
			return err
		}
	}
}

var specifiers = map[string]bool{
	"static": true, "constexpr": true, "inline": true, "virtual": true,
	"explicit": true, "mutable": true, "volatile": true, "extern": true,
	"friend": true, "consteval": true, "constinit": true, "register": true,
}

// parseMember handles one member declaration of st, or one namespace scope
// declaration when st is nil. Methods, constructors and initializers are
// consumed without producing fields.
func (p *parser) parseMember(st *StructDecl) error {
	t := p.peek()
	switch {
	case t.is(";"):
		p.next()
		return nil
	case (t.is("public") || t.is("private") || t.is("protected")) && p.peekAt(1).is(":"):
		p.next()
		p.next()
		return nil
	case t.is("template"):
		return p.skipTemplate()
	case t.is("static_assert"), t.is("using") && st != nil:
		return p.skipStatement()
	case t.is("typedef"):
		return p.parseTypedef()
	case t.is("~"):
		return p.skipFunction()
	case t.is("alignas"), t.is("__attribute__"), t.is("__declspec"):
		return errorAt(t, "layout attributes are not supported")
	}
	if st != nil && t.kind == tokIdent && t.text == lastPart(st.Name) && p.peekAt(1).is("(") {
		p.next()
		return p.skipFunction()
	}
	if (t.is("struct") || t.is("class") || t.is("union") || t.is("enum")) && p.isDefinitionOrAnonUnion() {
		typ, err := p.parseTagged(nil)
		if err != nil {
			return err
		}
		if p.accept(";") {
			if typ.Kind == KindUnion && st != nil && len(typ.Members) > 0 {
				// anonymous union: its members are reachable through the first one
				st.Fields = append(st.Fields, FieldDecl{Name: typ.Members[0].Name, Anonymous: true, Type: typ, Index: len(st.Fields), Pos: t.pos})
			}
			return nil
		}
		if st == nil {
			return p.skipStatement()
		}
		return p.parseDeclarators(st, typ, false)
	}

	static := false
	constant := false
	for {
		c := p.peek()
		if c.kind == tokIdent && specifiers[c.text] {
			if c.text == "static" {
				static = true
			}
			if c.text == "constexpr" {
				constant = true
			}
			if c.text == "virtual" && st != nil {
				return errorAt(c, "virtual members give struct %s no stable layout", st.Name)
			}
			p.next()
			continue
		}
		break
	}
	if p.peek().is("operator") {
		return p.skipFunction()
	}
	typ, err := p.parseType()
	if err != nil {
		return err
	}
	if typ.Const {
		constant = true
	}
	if p.accept(";") {
		// forward declaration or a bare elaborated type
		return nil
	}
	nameTok := p.peek()
	switch {
	case nameTok.is("operator"):
		return p.skipFunction()
	case nameTok.is("("):
		if st != nil && typ.Kind == KindNamed && len(typ.Name) == 1 && typ.Name[0] == lastPart(st.Name) {
			// constructor whose name parsed as a type
			return p.skipFunction()
		}
		if p.peekAt(1).is("*") {
			return p.parseFunctionPointer(st, static)
		}
		return errorAt(nameTok, "expected member name")
	case nameTok.kind == tokIdent:
		// a name followed by ( is a function or method
		if p.peekAt(1).is("(") {
			p.next()
			return p.skipFunction()
		}
	default:
		return errorAt(nameTok, "expected identifier")
	}
	if static || st == nil {
		return p.parseConstants(typ, constant)
	}
	return p.parseDeclarators(st, typ, true)
}

func (p *parser) isDefinitionOrAnonUnion() bool {
	if p.peek().is("union") && p.peekAt(1).is("{") {
		return true
	}
	if (p.peek().is("struct") || p.peek().is("class")) && p.peekAt(1).is("{") {
		return true
	}
	return p.isDefinition()
}

// parseConstants records `name = expr` declarators of integral constants
// (namespace scope or static members). Other declarators are skipped since
// they occupy no space in a struct instance.
func (p *parser) parseConstants(typ TypeRef, constant bool) error {
	for {
		nameTok, err := p.expectIdent()
		if err != nil {
			return err
		}
		for p.peek().is("[") {
			if err := p.skipBalanced("[", "]"); err != nil {
				return err
			}
		}
		if p.accept("=") {
			if constant && typ.Kind == KindPrimitive && typ.Prim != PrimFloat {
				e, err := p.parseExpr()
				if err != nil {
					return err
				}
				p.s.Consts[p.qualify(nameTok.text)] = e
			} else if err := p.skipInitializer(); err != nil {
				return err
			}
		} else if p.peek().is("{") {
			if constant && typ.Kind == KindPrimitive && typ.Prim != PrimFloat && p.peekAt(2).is("}") {
				p.next()
				e, err := p.parseExpr()
				if err != nil {
					return err
				}
				p.s.Consts[p.qualify(nameTok.text)] = e
				if _, err := p.expect("}"); err != nil {
					return err
				}
			} else if err := p.skipBalanced("{", "}"); err != nil {
				return err
			}
		}
		if p.accept(",") {
			continue
		}
		_, err = p.expect(";")
		return err
	}
}

// parseDeclarators reads `a, *b, c[4] = {..};` after the base type.
func (p *parser) parseDeclarators(st *StructDecl, base TypeRef, first bool) error {
	for {
		typ := base
		for {
			if p.accept("*") {
				typ = TypeRef{Kind: KindPointer, Elem: ptr(typ)}
				continue
			}
			if p.accept("&") || p.accept("&&") {
				typ = TypeRef{Kind: KindReference, Elem: ptr(typ)}
				continue
			}
			if p.accept("const") || p.accept("volatile") {
				typ.Const = true
				continue
			}
			break
		}
		nameTok, err := p.expectIdent()
		if err != nil {
			return err
		}
		var dims []Expr
		for p.accept("[") {
			e, err := p.parseExpr()
			if err != nil {
				return err
			}
			if _, err := p.expect("]"); err != nil {
				return err
			}
			dims = append(dims, e)
		}
		for i := len(dims) - 1; i >= 0; i-- {
			typ = TypeRef{Kind: KindArray, Elem: ptr(typ), Len: dims[i]}
		}
		if p.peek().is(":") {
			return errorAt(p.peek(), "bit-fields are not supported")
		}
		switch {
		case p.accept("="):
			if err := p.skipInitializer(); err != nil {
				return err
			}
		case p.peek().is("{"):
			if err := p.skipBalanced("{", "}"); err != nil {
				return err
			}
		}
		st.Fields = append(st.Fields, FieldDecl{Name: nameTok.text, Type: typ, Index: len(st.Fields), Pos: nameTok.pos})
		if p.accept(",") {
			continue
		}
		_, err = p.expect(";")
		return err
	}
}

// parseFunctionPointer handles `ret (*name)(args);`.
func (p *parser) parseFunctionPointer(st *StructDecl, static bool) error {
	p.next()
	p.next()
	nameTok, err := p.expectIdent()
	if err != nil {
		return err
	}
	if _, err := p.expect(")"); err != nil {
		return err
	}
	if err := p.skipBalanced("(", ")"); err != nil {
		return err
	}
	if p.accept("=") {
		if err := p.skipInitializer(); err != nil {
			return err
		}
	}
	if _, err := p.expect(";"); err != nil {
		return err
	}
	if st != nil && !static {
		typ := TypeRef{Kind: KindPointer, Elem: &TypeRef{Kind: KindNamed, Name: ScopedName{"void"}}}
		st.Fields = append(st.Fields, FieldDecl{Name: nameTok.text, Type: typ, Index: len(st.Fields), Pos: nameTok.pos})
	}
	return nil
}

func (p *parser) parseUnionBody() (TypeRef, error) {
	open, err := p.expect("{")
	if err != nil {
		return TypeRef{}, err
	}
	holder := &StructDecl{Name: "union"}
	for {
		t := p.peek()
		if t.kind == tokEOF {
			return TypeRef{}, errorAt(t, "missing closing brace of union")
		}
		if t.is("}") {
			p.next()
			break
		}
		if err := p.parseMember(holder); err != nil {
			return TypeRef{}, err
		}
	}
	if len(holder.Fields) == 0 {
		return TypeRef{}, errorAt(open, "empty union")
	}
	return TypeRef{Kind: KindUnion, Members: holder.Fields}, nil
}

func (p *parser) parseEnum(kw token, aliasHint *string) (TypeRef, error) {
	scoped := p.accept("class") || p.accept("struct")
	name := ""
	if p.peek().kind == tokIdent {
		name = p.next().text
	} else if aliasHint != nil {
		name = *aliasHint
	}
	var underlying *TypeRef
	if p.accept(":") {
		u, err := p.parseType()
		if err != nil {
			return TypeRef{}, err
		}
		if u.Kind != KindPrimitive || u.Prim == PrimFloat {
			return TypeRef{}, errorAt(kw, "enum underlying type must be integral")
		}
		underlying = &u
	}
	if _, err := p.expect("{"); err != nil {
		return TypeRef{}, err
	}
	decl := &EnumDecl{Name: p.qualify(name), Pos: kw.pos, Underlying: underlying}
	var prev Expr
	for !p.peek().is("}") {
		id, err := p.expectIdent()
		if err != nil {
			return TypeRef{}, err
		}
		var val Expr
		if p.accept("=") {
			val, err = p.parseExpr()
			if err != nil {
				return TypeRef{}, err
			}
		} else if prev == nil {
			val = NumberExpr{Value: 0}
		} else {
			val = BinaryExpr{Op: "+", L: prev, R: NumberExpr{Value: 1}}
		}
		prev = val
		decl.Variants = append(decl.Variants, EnumVariant{Name: id.text, Value: val})
		if name != "" {
			p.s.Consts[p.qualify(name)+"::"+id.text] = val
		}
		if !scoped || name == "" {
			p.s.Consts[p.qualify(id.text)] = val
		}
		if !p.accept(",") {
			break
		}
	}
	if _, err := p.expect("}"); err != nil {
		return TypeRef{}, err
	}
	if name == "" {
		// unnamed enum only contributes constants
		return TypeRef{Kind: KindPrimitive, Prim: PrimInt, Width: enumWidth(underlying)}, nil
	}
	q := p.qualify(name)
	if _, dup := p.s.Enums[q]; dup {
		return TypeRef{}, errorAt(kw, "enum %s redefined", q)
	}
	p.s.Enums[q] = decl
	return TypeRef{Kind: KindNamed, Name: ScopedName{name}, Scope: p.scope}, nil
}

func enumWidth(u *TypeRef) int {
	if u == nil {
		return 4
	}
	return u.Width
}

func (p *parser) parseTypedef() error {
	p.next()
	var typ TypeRef
	var err error
	if (p.peek().is("struct") || p.peek().is("union") || p.peek().is("enum") || p.peek().is("class")) && p.isDefinitionOrAnonUnion() {
		alias := p.typedefAlias()
		typ, err = p.parseTagged(&alias)
	} else {
		typ, err = p.parseType()
	}
	if err != nil {
		return err
	}
	for {
		cur := typ
		for p.accept("*") {
			cur = TypeRef{Kind: KindPointer, Elem: ptr(cur)}
		}
		if p.peek().is("(") && p.peekAt(1).is("*") {
			// function pointer alias
			p.next()
			p.next()
			nameTok, err := p.expectIdent()
			if err != nil {
				return err
			}
			if _, err := p.expect(")"); err != nil {
				return err
			}
			if err := p.skipBalanced("(", ")"); err != nil {
				return err
			}
			p.s.Typedefs[p.qualify(nameTok.text)] = TypeRef{Kind: KindPointer, Elem: &TypeRef{Kind: KindNamed, Name: ScopedName{"void"}}}
			if !p.accept(",") {
				break
			}
			continue
		}
		nameTok, err := p.expectIdent()
		if err != nil {
			return err
		}
		var dims []Expr
		for p.accept("[") {
			e, err := p.parseExpr()
			if err != nil {
				return err
			}
			if _, err := p.expect("]"); err != nil {
				return err
			}
			dims = append(dims, e)
		}
		for i := len(dims) - 1; i >= 0; i-- {
			cur = TypeRef{Kind: KindArray, Elem: ptr(cur), Len: dims[i]}
		}
		q := p.qualify(nameTok.text)
		if !(cur.Kind == KindNamed && cur.Name.String() == nameTok.text) {
			p.s.Typedefs[q] = cur
		}
		if !p.accept(",") {
			break
		}
	}
	_, err = p.expect(";")
	return err
}

// typedefAlias finds the first declarator name of `typedef struct {..} Name;`
// without consuming anything.
func (p *parser) typedefAlias() string {
	depth := 0
	for n := 0; ; n++ {
		t := p.peekAt(n)
		switch {
		case t.kind == tokEOF:
			return ""
		case t.is("{"):
			depth++
		case t.is("}"):
			depth--
			if depth == 0 {
				for k := n + 1; ; k++ {
					nt := p.peekAt(k)
					if nt.kind == tokIdent {
						return nt.text
					}
					if !nt.is("*") {
						return ""
					}
				}
			}
		}
	}
}

// parseUsing handles `using Name = type;`. Using-directives are skipped.
func (p *parser) parseUsing() error {
	if p.peekAt(1).kind == tokIdent && p.peekAt(2).is("=") {
		p.next()
		nameTok := p.next()
		p.next()
		typ, err := p.parseType()
		if err != nil {
			return err
		}
		p.s.Typedefs[p.qualify(nameTok.text)] = typ
		_, err = p.expect(";")
		return err
	}
	return p.skipStatement()
}

// parseType reads a type specifier with its cv qualifiers and trailing
// pointer/reference suffixes.
func (p *parser) parseType() (TypeRef, error) {
	start := p.peek()
	isConst := false
	for {
		switch {
		case p.accept("const"):
			isConst = true
			continue
		case p.accept("volatile"), p.accept("typename"), p.accept("struct"), p.accept("class"), p.accept("enum"), p.accept("mutable"):
			continue
		}
		break
	}
	var typ TypeRef
	switch t := p.peek(); {
	case isPrimWord(t):
		var words []string
		for isPrimWord(p.peek()) {
			words = append(words, p.next().text)
			for p.accept("const") {
				isConst = true
			}
		}
		pt, ok := primitiveFromWords(words)
		if !ok {
			return TypeRef{}, errorAt(start, "unsupported type %q", strings.Join(words, " "))
		}
		typ = pt
	case t.is("union") && p.peekAt(1).is("{"):
		p.next()
		u, err := p.parseUnionBody()
		if err != nil {
			return TypeRef{}, err
		}
		typ = u
	case t.kind == tokIdent || t.is("::"):
		var name ScopedName
		if p.accept("::") {
			name = append(name, "")
		}
		for {
			id, err := p.expectIdent()
			if err != nil {
				return TypeRef{}, err
			}
			name = append(name, id.text)
			if !p.accept("::") {
				break
			}
		}
		if p.peek().is("<") {
			arr, err := p.parseTemplateType(name, start)
			if err != nil {
				return TypeRef{}, err
			}
			typ = arr
			break
		}
		if pt, ok := builtinNamed(name); ok {
			typ = pt
			break
		}
		typ = TypeRef{Kind: KindNamed, Name: name, Scope: append(ScopedName{}, p.scope...)}
	default:
		return TypeRef{}, errorAt(t, "expected type")
	}
	typ.Const = typ.Const || isConst
	for {
		switch {
		case p.accept("const"):
			typ.Const = true
		case p.accept("volatile"):
		case p.accept("*"):
			typ = TypeRef{Kind: KindPointer, Elem: ptr(typ)}
		case p.accept("&"), p.accept("&&"):
			typ = TypeRef{Kind: KindReference, Elem: ptr(typ)}
		default:
			return typ, nil
		}
	}
}

// parseTemplateType accepts std::array<T, N>; other template ids are kept as
// opaque names that layout will reject.
func (p *parser) parseTemplateType(name ScopedName, start token) (TypeRef, error) {
	short := name
	if len(short) > 0 && short[0] == "" {
		short = short[1:]
	}
	if len(short) > 0 && short[0] == "std" {
		short = short[1:]
	}
	if len(short) == 1 && short[0] == "array" {
		p.next()
		elem, err := p.parseType()
		if err != nil {
			return TypeRef{}, err
		}
		if _, err := p.expect(","); err != nil {
			return TypeRef{}, err
		}
		n, err := p.parseExprUntilAngle()
		if err != nil {
			return TypeRef{}, err
		}
		if _, err := p.expect(">"); err != nil {
			return TypeRef{}, err
		}
		return TypeRef{Kind: KindArray, Elem: ptr(elem), Len: n}, nil
	}
	var b strings.Builder
	b.WriteString(name.String())
	depth := 0
	for {
		t := p.next()
		if t.kind == tokEOF {
			return TypeRef{}, errorAt(start, "unterminated template argument list")
		}
		switch {
		case t.is("<"):
			depth++
		case t.is(">"):
			depth--
		case t.is(">>"):
			depth -= 2
		}
		b.WriteString(t.text)
		if depth <= 0 {
			break
		}
	}
	return TypeRef{Kind: KindNamed, Name: ScopedName{b.String()}, Scope: append(ScopedName{}, p.scope...)}, nil
}

func (p *parser) skipTemplate() error {
	p.next()
	if _, err := p.expect("<"); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return errorAt(t, "unterminated template parameter list")
		case t.is("<"):
			depth++
		case t.is(">"):
			depth--
		case t.is(">>"):
			depth -= 2
		}
	}
	return p.skipStatement()
}

// skipStatement consumes tokens through the next top-level semicolon, or
// through a braced body that is not followed by one.
func (p *parser) skipStatement() error {
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return errorAt(t, "unexpected end of input")
		case t.is(";"):
			p.next()
			return nil
		case t.is("{"):
			if err := p.skipBalanced("{", "}"); err != nil {
				return err
			}
			if p.accept(";") {
				return nil
			}
			if p.peek().kind != tokIdent && !p.peek().is("*") {
				return nil
			}
		case t.is("("):
			if err := p.skipBalanced("(", ")"); err != nil {
				return err
			}
		case t.is("["):
			if err := p.skipBalanced("[", "]"); err != nil {
				return err
			}
		case t.is("}"):
			return errorAt(t, "unbalanced closing brace")
		default:
			p.next()
		}
	}
}

// skipFunction consumes a function, method, constructor or destructor
// starting at (or just before) its parameter list: parameters, qualifiers,
// an optional member initializer list, and either a body or `;`.
func (p *parser) skipFunction() error {
	for !p.peek().is("(") {
		t := p.next()
		if t.kind == tokEOF || t.is(";") || t.is("{") {
			return errorAt(t, "malformed function declaration")
		}
	}
	if err := p.skipBalanced("(", ")"); err != nil {
		return err
	}
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return errorAt(t, "unexpected end of input in function")
		case t.is(";"):
			p.next()
			return nil
		case t.is("{"):
			if err := p.skipBalanced("{", "}"); err != nil {
				return err
			}
			p.accept(";")
			return nil
		case t.is("="):
			// = default, = delete, = 0
			p.next()
			p.next()
		case t.is(":"):
			// member initializer list
			p.next()
			for {
				if p.peek().kind == tokIdent {
					p.next()
					for p.accept("::") {
						p.next()
					}
				}
				switch {
				case p.peek().is("("):
					if err := p.skipBalanced("(", ")"); err != nil {
						return err
					}
				case p.peek().is("{"):
					if err := p.skipBalanced("{", "}"); err != nil {
						return err
					}
				default:
					return errorAt(p.peek(), "malformed member initializer")
				}
				if !p.accept(",") {
					break
				}
			}
		case t.is("("):
			if err := p.skipBalanced("(", ")"); err != nil {
				return err
			}
		default:
			// const, noexcept, override, final, -> trailing return
			p.next()
		}
	}
}

// skipInitializer consumes an initializer expression up to, but not
// including, the next , or ; at nesting depth zero.
func (p *parser) skipInitializer() error {
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return errorAt(t, "unexpected end of input in initializer")
		case t.is(",") || t.is(";"):
			return nil
		case t.is("{"):
			if err := p.skipBalanced("{", "}"); err != nil {
				return err
			}
		case t.is("("):
			if err := p.skipBalanced("(", ")"); err != nil {
				return err
			}
		case t.is("["):
			if err := p.skipBalanced("[", "]"); err != nil {
				return err
			}
		case t.is("}") || t.is(")") || t.is("]"):
			return errorAt(t, "unbalanced %s in initializer", t.text)
		default:
			p.next()
		}
	}
}

func (p *parser) skipBalanced(open, close string) error {
	start, err := p.expect(open)
	if err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return errorAt(start, "unbalanced %s", open)
		case t.is(open):
			depth++
		case t.is(close):
			depth--
		}
	}
	return nil
}

// Constant expressions: additive and multiplicative operators, shifts,
// bitwise and/or, unary minus and complement, parentheses, sizeof.

func (p *parser) parseExpr() (Expr, error) { return p.parseBinary(0, false) }

func (p *parser) parseExprUntilAngle() (Expr, error) { return p.parseBinary(0, true) }

var precedence = map[string]int{
	"|": 1, "&": 2, "<<": 3, ">>": 3, "+": 4, "-": 4, "*": 5, "/": 5, "%": 5,
}

func (p *parser) parseBinary(minPrec int, inAngle bool) (Expr, error) {
	lhs, err := p.parseUnary(inAngle)
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		prec, ok := precedence[op.text]
		if op.kind != tokPunct || !ok || prec <= minPrec || (inAngle && op.is(">>")) {
			return lhs, nil
		}
		p.next()
		rhs, err := p.parseBinary(prec, inAngle)
		if err != nil {
			return nil, err
		}
		lhs = BinaryExpr{Op: op.text, L: lhs, R: rhs}
	}
}

func (p *parser) parseUnary(inAngle bool) (Expr, error) {
	t := p.peek()
	switch {
	case t.is("-") || t.is("~") || t.is("+"):
		p.next()
		x, err := p.parseUnary(inAngle)
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: t.text, X: x}, nil
	case t.is("("):
		p.next()
		e, err := p.parseBinary(0, false)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		return e, nil
	case t.kind == tokNumber:
		p.next()
		v, err := parseIntLiteral(t.text)
		if err != nil {
			return nil, errorAt(t, "%v", err)
		}
		return NumberExpr{Value: v}, nil
	case t.kind == tokChar:
		p.next()
		v, err := charValue(t.text)
		if err != nil {
			return nil, errorAt(t, "%v", err)
		}
		return NumberExpr{Value: v}, nil
	case t.is("sizeof"):
		p.next()
		if _, err := p.expect("("); err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		return SizeofExpr{Type: typ}, nil
	case t.is("true"):
		p.next()
		return NumberExpr{Value: 1}, nil
	case t.is("false"):
		p.next()
		return NumberExpr{Value: 0}, nil
	case t.kind == tokIdent || t.is("::"):
		var name ScopedName
		if p.accept("::") {
			name = append(name, "")
		}
		for {
			id, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			name = append(name, id.text)
			if !p.accept("::") {
				break
			}
		}
		if len(name) > 0 && name[0] == "" {
			name = name[1:]
		}
		return IdentExpr{Name: name, Scope: append(ScopedName{}, p.scope...)}, nil
	}
	return nil, errorAt(t, "expected constant expression")
}

func charValue(lit string) (int64, error) {
	body := lit[1 : len(lit)-1]
	if len(body) == 1 {
		return int64(body[0]), nil
	}
	if len(body) == 2 && body[0] == '\\' {
		switch body[1] {
		case 'n':
			return '\n', nil
		case 't':
			return '\t', nil
		case 'r':
			return '\r', nil
		case '0':
			return 0, nil
		case '\\', '\'', '"':
			return int64(body[1]), nil
		}
	}
	return 0, &ParseError{Msg: "unsupported character literal " + lit}
}

func ptr(t TypeRef) *TypeRef { return &t }

func lastPart(q string) string {
	if i := strings.LastIndex(q, "::"); i >= 0 {
		return q[i+2:]
	}
	return q
}
