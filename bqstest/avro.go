// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bqstest

import (
	"encoding/json"
	"fmt"

	"github.com/linkedin/goavro/v2"
)

// FieldType is the type of a table column.
type FieldType string

// Supported column types. They map 1:1 onto Avro primitive types.
const (
	StringFieldType  FieldType = "STRING"
	IntegerFieldType FieldType = "INTEGER"
	FloatFieldType   FieldType = "FLOAT"
	BooleanFieldType FieldType = "BOOLEAN"
	BytesFieldType   FieldType = "BYTES"
)

var avroTypes = map[FieldType]string{
	StringFieldType:  "string",
	IntegerFieldType: "long",
	FloatFieldType:   "double",
	BooleanFieldType: "boolean",
	BytesFieldType:   "bytes",
}

// FieldSchema describes a single column.
type FieldSchema struct {
	Name string
	Type FieldType
}

// Schema describes the columns of a table.
type Schema []*FieldSchema

// Row is a single table row, keyed by column name. Values must match the
// column type: string, int64, float64, bool or []byte.
type Row map[string]interface{}

// Project returns the sub-schema containing only the selected fields, in the
// order given. An empty selection returns the schema unchanged.
func (s Schema) Project(selected []string) (Schema, error) {
	if len(selected) == 0 {
		return s, nil
	}
	byName := make(map[string]*FieldSchema, len(s))
	for _, f := range s {
		byName[f.Name] = f
	}
	out := make(Schema, 0, len(selected))
	for _, name := range selected {
		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("selected field %q not present in table schema", name)
		}
		out = append(out, f)
	}
	return out, nil
}

type avroField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type avroRecord struct {
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Namespace string      `json:"namespace,omitempty"`
	Fields    []avroField `json:"fields"`
}

// avroSchemaJSON renders the schema as an Avro record schema. The record name
// carries no meaning to readers; the fixed "__root__" matches what the
// service emits.
func avroSchemaJSON(s Schema) (string, error) {
	rec := avroRecord{
		Type:   "record",
		Name:   "__root__",
		Fields: make([]avroField, 0, len(s)),
	}
	for _, f := range s {
		at, ok := avroTypes[f.Type]
		if !ok {
			return "", fmt.Errorf("field %q has unsupported type %q", f.Name, f.Type)
		}
		rec.Fields = append(rec.Fields, avroField{Name: f.Name, Type: at})
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// rowCodec serializes rows of a fixed schema as concatenated Avro binary
// datums, which is the payload layout of AvroRows.serialized_binary_rows.
type rowCodec struct {
	schema Schema
	codec  *goavro.Codec
}

func newRowCodec(s Schema) (*rowCodec, error) {
	js, err := avroSchemaJSON(s)
	if err != nil {
		return nil, err
	}
	codec, err := goavro.NewCodec(js)
	if err != nil {
		return nil, fmt.Errorf("building avro codec: %v", err)
	}
	return &rowCodec{schema: s, codec: codec}, nil
}

func (rc *rowCodec) schemaJSON() string {
	return rc.codec.Schema()
}

// encodeRow appends the Avro binary encoding of row to buf, restricted to the
// codec's schema. Columns absent from the schema are dropped.
func (rc *rowCodec) encodeRow(buf []byte, row Row) ([]byte, error) {
	native := make(map[string]interface{}, len(rc.schema))
	for _, f := range rc.schema {
		v, ok := row[f.Name]
		if !ok {
			return nil, fmt.Errorf("row is missing field %q", f.Name)
		}
		native[f.Name] = v
	}
	out, err := rc.codec.BinaryFromNative(buf, native)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %v", err)
	}
	return out, nil
}

// decodeRows splits a serialized_binary_rows payload back into rows. Used by
// tests to verify payloads round-trip.
func (rc *rowCodec) decodeRows(data []byte) ([]Row, error) {
	var rows []Row
	for len(data) > 0 {
		native, rest, err := rc.codec.NativeFromBinary(data)
		if err != nil {
			return nil, fmt.Errorf("decoding row %d: %v", len(rows), err)
		}
		m, ok := native.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("decoded datum is %T, want record", native)
		}
		rows = append(rows, Row(m))
		data = rest
	}
	return rows, nil
}
