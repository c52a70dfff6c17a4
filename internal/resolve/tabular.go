package resolve

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// tabularContains parses payload as delimited text with every column treated
// as text and reports whether the named column contains target. A payload
// whose header lacks the column is not a match and not an error; a payload
// that cannot be parsed at all is an error the caller may skip over.
func tabularContains(payload []byte, column, target string) (bool, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return false, fmt.Errorf("read header: %w", err)
	}
	col := -1
	for i, name := range header {
		// A UTF-8 BOM on the first cell must not hide the column.
		if strings.TrimPrefix(name, "\ufeff") == column {
			col = i
			break
		}
	}
	if col < 0 {
		return false, nil
	}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read row: %w", err)
		}
		if col < len(row) && normalizeValue(row[col]) == target {
			return true, nil
		}
	}
}

// normalizeValue applies the matching normalization: trim whitespace, lowercase.
func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
