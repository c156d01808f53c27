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
	"context"
	"fmt"
	"sync"

	"google.golang.org/api/iterator"
)

// RowIterator reads the rows of all streams of a read session in parallel
// and surfaces them as a single merged sequence. Row order across streams
// is undefined.
type RowIterator struct {
	done bool
	errs chan error
	wg   sync.WaitGroup
	ctx  context.Context

	decoder *avroDecoder
	rows    chan Row

	// Session contains information about the read session.
	// Available after the first call to Next.
	Session *ReadSession

	started bool
}

func newRowIterator(ctx context.Context, rs *ReadSession) (*RowIterator, error) {
	it := &RowIterator{
		ctx:     ctx,
		Session: rs,
		rows:    make(chan Row),
		errs:    make(chan error),
	}
	if rs.bqSession == nil {
		if err := rs.Run(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (it *RowIterator) init() error {
	if it.started {
		return nil
	}
	it.started = true
	streams := it.Session.ReadStreams
	if len(streams) == 0 {
		it.done = true
		return nil
	}

	decoder, err := newAvroDecoder(it.Session.AvroSchemaJSON)
	if err != nil {
		return err
	}
	it.decoder = decoder

	go func() {
		it.wg.Wait()
		close(it.rows)
	}()

	for _, readStream := range streams {
		it.wg.Add(1)
		go it.processStream(readStream)
	}
	return nil
}

func (it *RowIterator) processStream(readStream string) {
	defer it.wg.Done()
	batches, err := it.Session.ReadRows(ReadRowsRequest{ReadStream: readStream})
	if err != nil {
		it.sendErr(fmt.Errorf("failed to read rows on stream %s: %w", readStream, err))
		return
	}
	for {
		b, err := batches.Next()
		if err == iterator.Done {
			return
		}
		if err != nil {
			it.sendErr(fmt.Errorf("stream %s: %w", readStream, err))
			return
		}
		rows, err := it.decoder.decodeRows(b.SerializedAvroRows, b.RowCount)
		if err != nil {
			it.sendErr(fmt.Errorf("failed to decode rows on stream %s: %w", readStream, err))
			return
		}
		for _, row := range rows {
			select {
			case it.rows <- row:
			case <-it.ctx.Done():
				return
			}
		}
	}
}

func (it *RowIterator) sendErr(err error) {
	select {
	case it.errs <- err:
	case <-it.ctx.Done():
	}
}

// Next returns the next row of the session. Its return value is
// iterator.Done if there are no more results. Once Next returns
// iterator.Done, all subsequent calls will return iterator.Done.
func (it *RowIterator) Next() (Row, error) {
	if err := it.init(); err != nil {
		return nil, err
	}
	if it.done {
		return nil, iterator.Done
	}
	select {
	case row, ok := <-it.rows:
		if !ok {
			it.done = true
			return nil, iterator.Done
		}
		return row, nil
	case err := <-it.errs:
		return nil, err
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	}
}

// All consumes the iterator and returns all remaining rows.
func (it *RowIterator) All() ([]Row, error) {
	var rows []Row
	for {
		row, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
