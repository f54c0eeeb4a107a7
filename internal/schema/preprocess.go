package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// stdHeaders are the system includes a firmware header may pull in without
// affecting struct layout. They contribute no declarations.
var stdHeaders = map[string]bool{
	"<cmath>":     true,
	"<cstdint>":   true,
	"<cstddef>":   true,
	"<algorithm>": true,
	"<cstring>":   true,
	"<string>":    true,
	"<string.h>":  true,
	"<math.h>":    true,
	"<stdint.h>":  true,
	"<stddef.h>":  true,
	"<stdbool.h>": true,
}

type preprocessor struct {
	readFile   func(string) ([]byte, error)
	pragmaOnce map[string]bool
	active     map[string]bool
	files      []string
}

func newPreprocessor(readFile func(string) ([]byte, error)) *preprocessor {
	if readFile == nil {
		readFile = os.ReadFile
	}
	return &preprocessor{
		readFile:   readFile,
		pragmaOnce: make(map[string]bool),
		active:     make(map[string]bool),
	}
}

func (pp *preprocessor) includeFile(path string, from token) ([]token, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if pp.pragmaOnce[abs] {
		return nil, nil
	}
	if pp.active[abs] {
		return nil, errorAt(from, "include cycle through %s", path)
	}
	data, err := pp.readFile(abs)
	if err != nil {
		pe := errorAt(from, "cannot read include %s: %v", path, err)
		pe.Err = err
		return nil, pe
	}
	return pp.expand(abs, string(data))
}

// expand lexes src and splices in the tokens of every quoted include.
func (pp *preprocessor) expand(file, src string) ([]token, error) {
	pp.active[file] = true
	defer delete(pp.active, file)
	pp.files = append(pp.files, file)

	raw, err := lex(file, src)
	if err != nil {
		return nil, err
	}
	out := make([]token, 0, len(raw))
	for _, tok := range raw {
		if tok.kind != tokDirective {
			out = append(out, tok)
			continue
		}
		fields := strings.Fields(strings.TrimSpace(strings.TrimPrefix(tok.text, "#")))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "pragma":
			if len(fields) == 2 && fields[1] == "once" {
				pp.pragmaOnce[file] = true
				continue
			}
			return nil, directiveError(tok)
		case "include":
			if len(fields) != 2 {
				return nil, directiveError(tok)
			}
			target := fields[1]
			switch {
			case strings.HasPrefix(target, "\"") && strings.HasSuffix(target, "\"") && len(target) > 2:
				rel := target[1 : len(target)-1]
				path := rel
				if !filepath.IsAbs(rel) {
					path = filepath.Join(filepath.Dir(file), rel)
				}
				inc, err := pp.includeFile(path, tok)
				if err != nil {
					return nil, err
				}
				out = append(out, inc...)
			case stdHeaders[target]:
			default:
				return nil, directiveError(tok)
			}
		default:
			return nil, directiveError(tok)
		}
	}
	return out, nil
}

func directiveError(tok token) *ParseError {
	return &ParseError{
		Pos:   tok.pos,
		Token: tok.text,
		Msg:   fmt.Sprintf("%v", ErrDirective),
		Err:   ErrDirective,
	}
}
