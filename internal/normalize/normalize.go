// Package normalize turns raw run output into a uniform record list. It is
// pure transformation: no I/O, no retries. Tabular text resolves through
// encoding/csv with quoting rules intact; JSON payloads resolve through a
// shape decision (array of objects, object wrapping such an array, lone
// object, or nothing) with object keys kept in document order so exports
// reproduce the source layout.
package normalize

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/runharvest/runharvest/internal/store"
)

// Kind tags the payload shape the normalizer resolved.
type Kind string

// Payload kinds.
const (
	KindTabular      Kind = "tabular"
	KindArray        Kind = "array"
	KindSingleObject Kind = "single_object"
	KindEmpty        Kind = "empty"
)

// Result carries the normalized record set and how it was derived.
type Result struct {
	Kind Kind
	// Header lists field keys in first-seen order.
	Header  []string
	Records []store.Record
}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// CSV parses tabular text. The first line is the header; quoted fields may
// contain commas and doubled quotes escape a quote; short rows are padded
// with empty trailing fields and long rows keep their extra cells under
// positional keys. Rows are never dropped from a payload that parses;
// payloads with broken quoting fail outright so callers can fall back to
// another rendition instead of storing mangled fields.
func CSV(data []byte) (Result, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return Result{Kind: KindEmpty}, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return Result{}, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return Result{Kind: KindEmpty}, nil
	}

	header := rows[0]
	res := Result{Kind: KindTabular, Header: header}
	for _, row := range rows[1:] {
		width := len(header)
		if len(row) > width {
			width = len(row)
		}
		rec := store.Record{Fields: make([]store.Field, 0, width)}
		for i := 0; i < width; i++ {
			key := positionalKey(header, i)
			val := ""
			if i < len(row) {
				val = row[i]
			}
			rec.Fields = append(rec.Fields, store.Field{Key: key, Value: val})
		}
		res.Records = append(res.Records, rec)
	}
	if len(res.Records) == 0 {
		return Result{Kind: KindEmpty, Header: header}, nil
	}
	return res, nil
}

func positionalKey(header []string, i int) string {
	if i < len(header) {
		return header[i]
	}
	return fmt.Sprintf("column_%d", i+1)
}

// JSON parses a structured payload. An array yields one record per object
// element; an object yields the records of its first key holding a
// non-empty array of objects, or failing that a single record of its own
// fields; anything else is empty. Scalars keep their literal spelling and
// nested values serialize as compact JSON.
func JSON(data []byte) (Result, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Result{Kind: KindEmpty}, nil
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return Result{}, fmt.Errorf("parse json array: %w", err)
		}
		return fromArray(elems)
	case '{':
		var obj orderedObject
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Result{}, fmt.Errorf("parse json object: %w", err)
		}
		return fromObject(obj)
	default:
		// A bare scalar carries no keyed data.
		return Result{Kind: KindEmpty}, nil
	}
}

func fromArray(elems []json.RawMessage) (Result, error) {
	res := Result{Kind: KindArray}
	for _, elem := range elems {
		elem = bytes.TrimSpace(elem)
		if len(elem) == 0 || elem[0] != '{' {
			// Scalar elements carry no keys and are skipped.
			continue
		}
		var obj orderedObject
		if err := json.Unmarshal(elem, &obj); err != nil {
			return Result{}, fmt.Errorf("parse record object: %w", err)
		}
		rec := obj.record()
		res.Records = append(res.Records, rec)
		res.Header = mergeHeader(res.Header, rec)
	}
	if len(res.Records) == 0 {
		return Result{Kind: KindEmpty}, nil
	}
	return res, nil
}

func fromObject(obj orderedObject) (Result, error) {
	// The first key holding a non-empty array of objects supplies the
	// records; document order decides ties.
	for i, key := range obj.keys {
		raw := bytes.TrimSpace(obj.vals[i])
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return Result{}, fmt.Errorf("parse array under %q: %w", key, err)
		}
		if len(elems) == 0 {
			continue
		}
		first := bytes.TrimSpace(elems[0])
		if len(first) == 0 || first[0] != '{' {
			continue
		}
		return fromArray(elems)
	}

	// No record array anywhere: the object itself is a single record when
	// it carries at least one non-empty scalar field.
	rec := obj.record()
	hasScalar := false
	for i, raw := range obj.vals {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
			continue
		}
		if rec.Fields[i].Value != "" {
			hasScalar = true
			break
		}
	}
	if !hasScalar {
		return Result{Kind: KindEmpty}, nil
	}
	return Result{
		Kind:    KindSingleObject,
		Header:  append([]string(nil), obj.keys...),
		Records: []store.Record{rec},
	}, nil
}

func mergeHeader(header []string, rec store.Record) []string {
	seen := make(map[string]struct{}, len(header))
	for _, h := range header {
		seen[h] = struct{}{}
	}
	for _, f := range rec.Fields {
		if _, ok := seen[f.Key]; !ok {
			header = append(header, f.Key)
			seen[f.Key] = struct{}{}
		}
	}
	return header
}

// orderedObject decodes a JSON object keeping key order, which Go maps
// discard.
type orderedObject struct {
	keys []string
	vals []json.RawMessage
}

func (o *orderedObject) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("not a json object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		o.keys = append(o.keys, key)
		o.vals = append(o.vals, raw)
	}
	return nil
}

func (o *orderedObject) record() store.Record {
	rec := store.Record{Fields: make([]store.Field, 0, len(o.keys))}
	for i, key := range o.keys {
		rec.Fields = append(rec.Fields, store.Field{Key: key, Value: fieldValue(o.vals[i])})
	}
	return rec
}

// fieldValue stringifies one JSON value. Numbers keep their literal
// spelling so 19.99 never becomes 19.990000, null becomes the empty
// string, and nested structures re-serialize compactly.
func fieldValue(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return string(trimmed)
		}
		return s
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return string(trimmed)
		}
		return buf.String()
	default:
		if bytes.Equal(trimmed, []byte("null")) {
			return ""
		}
		return string(trimmed)
	}
}

// WriteCSV reconstructs tabular text from stored records: the header is the
// first-seen key order across records, rows pad missing fields with empty
// strings, and encoding/csv restores quoting.
func WriteCSV(records []store.StoredRecord) ([]byte, error) {
	var header []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		for _, f := range rec.Fields {
			if _, ok := seen[f.Key]; !ok {
				header = append(header, f.Key)
				seen[f.Key] = struct{}{}
			}
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if len(header) > 0 {
		if err := w.Write(header); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}
	for _, rec := range records {
		row := make([]string, len(header))
		for _, f := range rec.Fields {
			if i, ok := index[f.Key]; ok {
				row[i] = f.Value
			}
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
