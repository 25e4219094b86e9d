// Package format encodes rows for ClickHouse input formats.
package format

import (
	"bytes"
	"errors"
	"io"

	"github.com/goccy/go-json"
)

// ErrReaderStarted is returned by Add once reading began.
var ErrReaderStarted = errors.New("format: rows cannot be added after reading started")

// JSONEachRowReader streams rows as newline separated JSON objects, the ClickHouse
// JSONEachRow input format. Rows are encoded on the first Read.
type JSONEachRowReader[T any] struct {
	rows   []T
	buffer bytes.Buffer
	ready  bool
}

func NewJSONEachRowReader[T any](rows []T) *JSONEachRowReader[T] {
	return &JSONEachRowReader[T]{rows: rows}
}

// Len returns the number of rows.
func (r *JSONEachRowReader[T]) Len() int {
	return len(r.rows)
}

// Add appends a row.
func (r *JSONEachRowReader[T]) Add(row T) error {
	if r.ready {
		return ErrReaderStarted
	}
	r.rows = append(r.rows, row)
	return nil
}

func (r *JSONEachRowReader[T]) encode() error {
	enc := json.NewEncoder(&r.buffer)
	for _, row := range r.rows {
		// Encode terminates each row with a newline.
		if err := enc.Encode(row); err != nil {
			return err
		}
	}

	r.ready = true
	return nil
}

func (r *JSONEachRowReader[T]) Read(p []byte) (int, error) {
	if !r.ready {
		if err := r.encode(); err != nil {
			return 0, err
		}
	}

	if r.buffer.Len() == 0 {
		return 0, io.EOF
	}

	return r.buffer.Read(p)
}
