package point

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// Schema is a variant's resolved tag/field layout. It is computed by
// reflection once per variant type and cached.
type Schema struct {
	Measurement string
	TagKeys     []string
	FieldKeys   []string
}

var schemaCache sync.Map // reflect.Type -> *Schema

// SchemaOf resolves the schema for p.
func SchemaOf(p Point) *Schema {
	t := reflect.TypeOf(p)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if s, ok := schemaCache.Load(t); ok {
		return s.(*Schema)
	}
	s := &Schema{Measurement: p.Measurement()}
	collectKeys(t, s)
	schemaCache.Store(t, s)
	return s
}

func collectKeys(t reflect.Type, s *Schema) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectKeys(f.Type, s)
			continue
		}
		name, kind, ok := parseTag(f)
		if !ok {
			continue
		}
		switch kind {
		case "tag":
			s.TagKeys = append(s.TagKeys, name)
		case "field":
			s.FieldKeys = append(s.FieldKeys, name)
		}
	}
}

func parseTag(f reflect.StructField) (name, kind string, ok bool) {
	tag := f.Tag.Get("influx")
	if tag == "" || tag == "-" {
		return "", "", false
	}
	name, kind, found := strings.Cut(tag, ",")
	if !found {
		return "", "", false
	}
	return name, kind, true
}

// Tags extracts p's tag set as strings. Nil pointers and empty strings
// are omitted so they never materialize as empty tag values.
func Tags(p Point) map[string]string {
	out := make(map[string]string)
	walkValues(reflect.ValueOf(p), "tag", func(name string, v reflect.Value) {
		s := tagString(v)
		if s != "" {
			out[name] = s
		}
	})
	return out
}

// Fields extracts p's field set. Nil pointers are omitted; present values
// are normalized to int64/uint64/float64/string/bool.
func Fields(p Point) map[string]interface{} {
	out := make(map[string]interface{})
	walkValues(reflect.ValueOf(p), "field", func(name string, v reflect.Value) {
		if fv, ok := fieldValue(v); ok {
			out[name] = fv
		}
	})
	return out
}

func walkValues(v reflect.Value, wantKind string, fn func(name string, v reflect.Value)) {
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			walkValues(v.Field(i), wantKind, fn)
			continue
		}
		name, kind, ok := parseTag(f)
		if !ok || kind != wantKind {
			continue
		}
		fn(name, v.Field(i))
	}
}

func tagString(v reflect.Value) string {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	default:
		return fmt.Sprint(v.Interface())
	}
}

func fieldValue(v reflect.Value) (interface{}, bool) {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Uint32, reflect.Uint64:
		return int64(v.Uint()), true
	case reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Bool:
		return v.Bool(), true
	default:
		return v.Interface(), true
	}
}
