package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gotorrent/xerr"
)

// Marshal encodes v as bencode. Dictionary keys — whether v is a
// map[string]any, a tagged struct, or a nested combination of both —
// are always written in lexicographic byte order, because the
// info-hash is the SHA-1 of this exact byte sequence (§4.1) and two
// equivalent info dictionaries must produce byte-identical encodings.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, rv reflect.Value) error {
	if !rv.IsValid() {
		return xerr.New(xerr.KindInvalidType, "bencode.encodeValue", nil)
	}
	if rv.Kind() == reflect.Interface {
		return encodeValue(buf, rv.Elem())
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return xerr.New(xerr.KindInvalidType, "bencode.encodeValue", nil)
		}
		return encodeValue(buf, rv.Elem())
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fmt.Fprintf(buf, "i%de", rv.Int())
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		fmt.Fprintf(buf, "i%de", rv.Uint())
		return nil
	case reflect.String:
		return encodeBytes(buf, []byte(rv.String()))
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return encodeBytes(buf, b)
		}
		buf.WriteByte('l')
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(buf, rv.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return xerr.New(xerr.KindInvalidType, "bencode.encodeValue", nil)
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteByte('d')
		for _, k := range keys {
			if err := encodeBytes(buf, []byte(k)); err != nil {
				return err
			}
			if err := encodeValue(buf, rv.MapIndex(reflect.ValueOf(k))); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	case reflect.Struct:
		return encodeStruct(buf, rv)
	default:
		return xerr.New(xerr.KindInvalidType, "bencode.encodeValue", nil)
	}
}

func encodeBytes(buf *bytes.Buffer, b []byte) error {
	fmt.Fprintf(buf, "%d:", len(b))
	buf.Write(b)
	return nil
}

type taggedField struct {
	key   string
	value reflect.Value
}

func encodeStruct(buf *bytes.Buffer, rv reflect.Value) error {
	t := rv.Type()
	fields := make([]taggedField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		ft := t.Field(i)
		tag := ft.Tag.Get("bencode")
		if tag == "" || tag == "-" {
			continue
		}
		parts := strings.Split(tag, ",")
		key := parts[0]
		omitempty := len(parts) > 1 && parts[1] == "omitempty"
		fv := rv.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		fields = append(fields, taggedField{key: key, value: fv})
	}
	keys := make([]string, 0, len(fields))
	byKey := make(map[string]reflect.Value, len(fields))
	for _, f := range fields {
		keys = append(keys, f.key)
		byKey[f.key] = f.value
	}
	sort.Strings(keys)

	buf.WriteByte('d')
	for _, k := range keys {
		if err := encodeBytes(buf, []byte(k)); err != nil {
			return err
		}
		if err := encodeValue(buf, byKey[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}
