package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
)

// csvTimeLayouts are tried in order for the time column.
var csvTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

// headerAliases maps normalized export headers onto record fields.
var headerAliases = map[string]string{
	"timestamp":     record.FieldTime,
	"dateTime":      record.FieldTime,
	"eventTime":     record.FieldTime,
	"eventType":     record.FieldType,
	"device":        record.FieldDeviceID,
	"serialNumber":  record.FieldDeviceID,
	"timeZone":      record.FieldTimezone,
	"uploadID":      record.FieldUploadID,
	"deviceID":      record.FieldDeviceID,
	"deviceSerial":  record.FieldDeviceID,
	"recordVersion": record.FieldVersion,
}

// stringFields are never coerced to numbers.
var stringFields = map[string]bool{
	record.FieldType:     true,
	record.FieldDeviceID: true,
	record.FieldTime:     true,
	record.FieldTimezone: true,
	record.FieldUploadID: true,
	record.FieldByUser:   true,
	record.FieldVersion:  true,
}

// CSVParser parses a header-row CSV export, one record per data row.
//
// Headers are normalized to lowerCamel field names. Numeric cells become
// numbers and the time column is normalized to RFC 3339 UTC, interpreted in
// the config's "timezone" when the cell carries no offset.
type CSVParser struct {
	Source jobspec.SourceKey
}

var _ Parser = (*CSVParser)(nil)

func (p *CSVParser) Parse(ctx context.Context, r io.Reader, cfg jobspec.SourceConfig) iter.Seq2[record.Record, error] {
	s, err := DecodeSettings(cfg)
	if err != nil {
		return fail(err)
	}
	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return fail(fmt.Errorf("%s: invalid timezone %q: %w", p.Source, s.Timezone, err))
		}
		loc = l
	}

	return func(yield func(record.Record, error) bool) {
		cr := csv.NewReader(r)
		cr.TrimLeadingSpace = true

		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("%s: read csv header: %w", p.Source, err))
			return
		}
		fields := make([]string, len(header))
		for i, h := range header {
			fields[i] = fieldName(h)
		}

		for line := 2; ; line++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("%s: csv line %d: %w", p.Source, line, err))
				return
			}

			rec := record.New()
			for i, cell := range row {
				name := fields[i]
				if name == "" || cell == "" {
					continue
				}
				rec[name] = coerce(name, cell)
			}
			if raw := rec.String(record.FieldTime); raw != "" {
				ts, err := parseCSVTime(raw, loc)
				if err != nil {
					yield(nil, fmt.Errorf("%s: csv line %d: %w", p.Source, line, err))
					return
				}
				rec[record.FieldTime] = ts.UTC().Format(time.RFC3339Nano)
			}
			stamp(rec, p.Source, s)

			if !yield(rec, nil) {
				return
			}
		}
	}
}

// fieldName converts an export header ("Device ID", "sensor_glucose") to a
// lowerCamel record field and applies known aliases.
func fieldName(header string) string {
	header = strings.TrimPrefix(strings.TrimSpace(header), "\ufeff")
	words := strings.FieldsFunc(header, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return ""
	}

	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(lowerFirst(w))
			continue
		}
		b.WriteString(mapFirst(w, unicode.ToUpper))
	}
	name := b.String()
	if alias, ok := headerAliases[name]; ok {
		return alias
	}
	return name
}

func lowerFirst(w string) string {
	if w == strings.ToUpper(w) {
		return strings.ToLower(w)
	}
	return mapFirst(w, unicode.ToLower)
}

// mapFirst applies f to the first rune of w.
func mapFirst(w string, f func(rune) rune) string {
	r, size := utf8.DecodeRuneInString(w)
	return string(f(r)) + w[size:]
}

func coerce(field, cell string) any {
	if stringFields[field] {
		return cell
	}
	if n, err := strconv.ParseFloat(cell, 64); err == nil {
		return n
	}
	return cell
}

func parseCSVTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range csvTimeLayouts {
		if layout == time.RFC3339Nano {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}
