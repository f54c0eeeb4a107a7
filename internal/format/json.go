package format

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const checksumKey = "<checksum>"

type typeJSON struct {
	Type    string      `json:"type"`
	Name    string      `json:"name,omitempty"`
	Size    int         `json:"size"`
	Align   int         `json:"align"`
	Signed  bool        `json:"signed,omitempty"`
	Pointer bool        `json:"pointer,omitempty"`
	Count   int         `json:"count,omitempty"`
	Item    *typeJSON   `json:"item,omitempty"`
	Fields  []fieldJSON `json:"fields,omitempty"`
	Values  []enumJSON  `json:"values,omitempty"`
}

type fieldJSON struct {
	Name      string   `json:"name"`
	Offset    int      `json:"offset"`
	Anonymous bool     `json:"anonymous,omitempty"`
	Type      typeJSON `json:"type"`
}

type enumJSON struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

func toJSON(t *Type) typeJSON {
	j := typeJSON{Type: t.Kind.String(), Name: t.Name, Size: t.Size, Align: t.Align}
	switch t.Kind {
	case KindInt:
		j.Signed = t.Signed
		j.Pointer = t.Pointer
	case KindEnum:
		for _, v := range t.Values {
			j.Values = append(j.Values, enumJSON{Name: v.Name, Value: v.Value})
		}
	case KindArray:
		item := toJSON(t.Elem)
		j.Count = t.Count
		j.Item = &item
	case KindStruct, KindUnion:
		j.Fields = make([]fieldJSON, 0, len(t.Fields))
		for _, f := range t.Fields {
			j.Fields = append(j.Fields, fieldJSON{Name: f.Name, Offset: f.Offset, Anonymous: f.Anonymous, Type: toJSON(f.Type)})
		}
	}
	return j
}

func fromJSON(j typeJSON, depth int) (*Type, error) {
	if depth > 64 {
		return nil, fmt.Errorf("type nesting too deep")
	}
	switch j.Type {
	case "bool":
		return Bool(), nil
	case "int":
		if j.Pointer {
			return Pointer(j.Size, j.Align), nil
		}
		return Int(j.Size, j.Signed, j.Align), nil
	case "float":
		if j.Size != 4 && j.Size != 8 {
			return nil, fmt.Errorf("float size %d", j.Size)
		}
		return Float(j.Size, j.Align), nil
	case "enum":
		values := make([]EnumValue, 0, len(j.Values))
		for _, v := range j.Values {
			values = append(values, EnumValue{Name: v.Name, Value: v.Value})
		}
		return Enum(j.Name, j.Size, j.Align, values), nil
	case "array":
		if j.Item == nil {
			return nil, fmt.Errorf("array without item type")
		}
		elem, err := fromJSON(*j.Item, depth+1)
		if err != nil {
			return nil, err
		}
		return Array(elem, j.Count), nil
	case "struct", "union":
		members := make([]Member, 0, len(j.Fields))
		for _, f := range j.Fields {
			ft, err := fromJSON(f.Type, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			members = append(members, Member{Name: f.Name, Anonymous: f.Anonymous, Type: ft})
		}
		if j.Type == "union" {
			return Union(j.Name, members), nil
		}
		return Struct(j.Name, members), nil
	}
	return nil, fmt.Errorf("unknown type %q", j.Type)
}

// MarshalJSON writes the log format document: the fingerprint under
// "<checksum>" followed by one `"Name": [determinant, type]` entry per
// variant, in variant order.
func (f *Format) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	fmt.Fprintf(&buf, "%q:%d", checksumKey, uint32(f.Fingerprint()))
	for _, v := range f.Variants {
		name, err := json.Marshal(v.Name)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal([]any{v.Determinant, toJSON(v.Type)})
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseJSON reads a document written by MarshalJSON. A present checksum
// must match the rebuilt format.
func ParseJSON(data []byte) (*Format, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil {
		return nil, err
	} else if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("log format: expected object")
	}
	var (
		variants    []*Variant
		checksum    uint32
		hasChecksum bool
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		if key == checksumKey {
			if err := dec.Decode(&checksum); err != nil {
				return nil, fmt.Errorf("log format %s: %w", checksumKey, err)
			}
			hasChecksum = true
			continue
		}
		var entry []json.RawMessage
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("log format variant %s: %w", key, err)
		}
		if len(entry) != 2 {
			return nil, fmt.Errorf("log format variant %s: want [determinant, type]", key)
		}
		var det uint32
		if err := json.Unmarshal(entry[0], &det); err != nil {
			return nil, fmt.Errorf("log format variant %s determinant: %w", key, err)
		}
		var tj typeJSON
		if err := json.Unmarshal(entry[1], &tj); err != nil {
			return nil, fmt.Errorf("log format variant %s type: %w", key, err)
		}
		t, err := fromJSON(tj, 0)
		if err != nil {
			return nil, fmt.Errorf("log format variant %s: %w", key, err)
		}
		variants = append(variants, &Variant{Name: key, Determinant: det, Type: t})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	f, err := New(variants)
	if err != nil {
		return nil, err
	}
	if hasChecksum {
		if err := Verify(Fingerprint(checksum), f.Fingerprint()); err != nil {
			return nil, err
		}
	}
	return f, nil
}
