package schema

var primWords = map[string]bool{
	"void": true, "bool": true, "char": true, "short": true, "int": true,
	"long": true, "float": true, "double": true, "signed": true, "unsigned": true,
	"_Bool": true,
}

func isPrimWord(t token) bool {
	return t.kind == tokIdent && primWords[t.text]
}

// primitiveFromWords maps a keyword sequence such as "unsigned long long" to
// a primitive. long follows the target pointer width (ILP32 and LP64 both
// agree on that).
func primitiveFromWords(words []string) (TypeRef, bool) {
	var signed, unsigned, short, char, boolean, float, double, void, intw bool
	longs := 0
	for _, w := range words {
		switch w {
		case "signed":
			signed = true
		case "unsigned":
			unsigned = true
		case "short":
			short = true
		case "long":
			longs++
		case "char":
			char = true
		case "int":
			intw = true
		case "bool", "_Bool":
			boolean = true
		case "float":
			float = true
		case "double":
			double = true
		case "void":
			void = true
		}
	}
	if signed && unsigned {
		return TypeRef{}, false
	}
	prim := func(k PrimKind, w int) (TypeRef, bool) {
		return TypeRef{Kind: KindPrimitive, Prim: k, Width: w}, true
	}
	intKind := PrimInt
	if unsigned {
		intKind = PrimUint
	}
	switch {
	case void:
		if len(words) != 1 {
			return TypeRef{}, false
		}
		return TypeRef{Kind: KindNamed, Name: ScopedName{"void"}}, true
	case boolean:
		if len(words) != 1 {
			return TypeRef{}, false
		}
		return prim(PrimBool, 1)
	case float:
		if len(words) != 1 {
			return TypeRef{}, false
		}
		return prim(PrimFloat, 4)
	case double:
		if len(words) != 1 {
			return TypeRef{}, false
		}
		return prim(PrimFloat, 8)
	case char:
		if short || longs > 0 || intw {
			return TypeRef{}, false
		}
		return prim(intKind, 1)
	case short:
		if longs > 0 {
			return TypeRef{}, false
		}
		return prim(intKind, 2)
	case longs == 1:
		return prim(intKind, 0)
	case longs == 2:
		return prim(intKind, 8)
	case longs > 2:
		return TypeRef{}, false
	}
	return prim(intKind, 4)
}

var namedPrims = map[string]TypeRef{
	"int8_t":    {Kind: KindPrimitive, Prim: PrimInt, Width: 1},
	"uint8_t":   {Kind: KindPrimitive, Prim: PrimUint, Width: 1},
	"int16_t":   {Kind: KindPrimitive, Prim: PrimInt, Width: 2},
	"uint16_t":  {Kind: KindPrimitive, Prim: PrimUint, Width: 2},
	"int32_t":   {Kind: KindPrimitive, Prim: PrimInt, Width: 4},
	"uint32_t":  {Kind: KindPrimitive, Prim: PrimUint, Width: 4},
	"int64_t":   {Kind: KindPrimitive, Prim: PrimInt, Width: 8},
	"uint64_t":  {Kind: KindPrimitive, Prim: PrimUint, Width: 8},
	"char16_t":  {Kind: KindPrimitive, Prim: PrimUint, Width: 2},
	"char32_t":  {Kind: KindPrimitive, Prim: PrimUint, Width: 4},
	"size_t":    {Kind: KindPrimitive, Prim: PrimUint, Width: 0},
	"uintptr_t": {Kind: KindPrimitive, Prim: PrimUint, Width: 0},
	"intptr_t":  {Kind: KindPrimitive, Prim: PrimInt, Width: 0},
	"ptrdiff_t": {Kind: KindPrimitive, Prim: PrimInt, Width: 0},
	"ssize_t":   {Kind: KindPrimitive, Prim: PrimInt, Width: 0},
}

// builtinNamed recognizes the fixed-width typedefs, with or without std::.
func builtinNamed(name ScopedName) (TypeRef, bool) {
	n := name
	if len(n) > 0 && n[0] == "" {
		n = n[1:]
	}
	if len(n) == 2 && n[0] == "std" {
		n = n[1:]
	}
	if len(n) != 1 {
		return TypeRef{}, false
	}
	t, ok := namedPrims[n[0]]
	return t, ok
}
