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

package reader

import (
	"fmt"

	"github.com/linkedin/goavro/v2"
)

// Row is a single decoded row, keyed by column name.
type Row map[string]interface{}

// avroDecoder decodes the serialized Avro row blocks carried by
// ReadRowsResponse messages back into native rows.
type avroDecoder struct {
	codec *goavro.Codec
}

func newAvroDecoder(schemaJSON string) (*avroDecoder, error) {
	codec, err := goavro.NewCodec(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid avro schema: %w", err)
	}
	return &avroDecoder{codec: codec}, nil
}

// decodeRows decodes rowCount binary-encoded rows concatenated in data.
func (d *avroDecoder) decodeRows(data []byte, rowCount int64) ([]Row, error) {
	rows := make([]Row, 0, rowCount)
	for i := int64(0); i < rowCount; i++ {
		native, rest, err := d.codec.NativeFromBinary(data)
		if err != nil {
			return nil, fmt.Errorf("decoding row %d: %w", i, err)
		}
		m, ok := native.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("decoding row %d: unexpected type %T", i, native)
		}
		rows = append(rows, Row(m))
		data = rest
	}
	if len(data) > 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d rows", len(data), rowCount)
	}
	return rows, nil
}
