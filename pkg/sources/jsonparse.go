package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
)

// JSONParser parses a JSON export: either one top-level array of objects or
// a stream of newline-delimited objects. Elements are decoded one at a time.
type JSONParser struct {
	Source jobspec.SourceKey
}

var _ Parser = (*JSONParser)(nil)

func (p *JSONParser) Parse(ctx context.Context, r io.Reader, cfg jobspec.SourceConfig) iter.Seq2[record.Record, error] {
	s, err := DecodeSettings(cfg)
	if err != nil {
		return fail(err)
	}

	return func(yield func(record.Record, error) bool) {
		br := bufio.NewReader(r)
		first, err := peekNonSpace(br)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("%s: read payload: %w", p.Source, err))
			return
		}

		dec := json.NewDecoder(br)
		dec.UseNumber()
		isArray := first == '['
		if isArray {
			if _, err := dec.Token(); err != nil {
				yield(nil, fmt.Errorf("%s: read array start: %w", p.Source, err))
				return
			}
		}

		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if isArray && !dec.More() {
				break
			}

			var raw map[string]any
			err := dec.Decode(&raw)
			if !isArray && errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("%s: element %d: %w", p.Source, i, err))
				return
			}
			if raw == nil {
				yield(nil, fmt.Errorf("%s: element %d: not a JSON object", p.Source, i))
				return
			}

			rec := record.Record(normalizeNumbers(raw).(map[string]any))
			stamp(rec, p.Source, s)
			if !yield(rec, nil) {
				return
			}
		}

		if _, err := dec.Token(); err != nil {
			yield(nil, fmt.Errorf("%s: read array end: %w", p.Source, err))
		}
	}
}

// peekNonSpace skips leading whitespace and returns the next byte unread.
func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// normalizeNumbers converts json.Number values to int64 when integral and
// float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
