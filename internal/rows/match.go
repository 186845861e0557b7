package rows

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
)

// normalizeRow round-trips a row through JSON so values compare the way stored payloads do.
func normalizeRow(row protocol.Row) (protocol.Row, error) {
	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return decodePayload(string(encoded))
}

func normalizeValue(value any) any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return value
	}
	return decoded
}

func decodePayload(payloadJSON string) (protocol.Row, error) {
	decoded := protocol.Row{}
	if payloadJSON == "" {
		return decoded, nil
	}
	if err := json.Unmarshal([]byte(payloadJSON), &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func encodePayload(payload protocol.Row) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func mergeRow(stored protocol.Row, incoming protocol.Row) protocol.Row {
	merged := stored.Clone()
	if merged == nil {
		merged = protocol.Row{}
	}
	for key, value := range incoming {
		merged[key] = value
	}
	return merged
}

func rowsEqual(left, right protocol.Row) bool {
	return reflect.DeepEqual(left, right)
}

func matchesPredicate(payload protocol.Row, predicate protocol.Predicate) bool {
	for field, expected := range predicate.Equals {
		actual, ok := payload[field]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(actual, normalizeValue(expected)) {
			return false
		}
	}
	for _, field := range predicate.IsNull {
		if value, ok := payload[field]; ok && value != nil {
			return false
		}
	}
	return true
}

func sortRows(payloads []protocol.Row, order *protocol.Order) {
	if order == nil || order.Field == "" {
		return
	}
	sort.SliceStable(payloads, func(i, j int) bool {
		comparison := compareValues(payloads[i][order.Field], payloads[j][order.Field])
		if order.Descending {
			return comparison > 0
		}
		return comparison < 0
	})
}

// compareValues orders nil first, then numbers, strings and booleans by their natural order.
func compareValues(left, right any) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	}
	switch typedLeft := left.(type) {
	case float64:
		if typedRight, ok := right.(float64); ok {
			switch {
			case typedLeft < typedRight:
				return -1
			case typedLeft > typedRight:
				return 1
			}
			return 0
		}
	case string:
		if typedRight, ok := right.(string); ok {
			switch {
			case typedLeft < typedRight:
				return -1
			case typedLeft > typedRight:
				return 1
			}
			return 0
		}
	case bool:
		if typedRight, ok := right.(bool); ok {
			switch {
			case typedLeft == typedRight:
				return 0
			case !typedLeft:
				return -1
			}
			return 1
		}
	}
	leftText, rightText := fmt.Sprint(left), fmt.Sprint(right)
	switch {
	case leftText < rightText:
		return -1
	case leftText > rightText:
		return 1
	}
	return 0
}

func projectColumns(payload protocol.Row, columns []string) protocol.Row {
	if len(columns) == 0 {
		return payload
	}
	projected := make(protocol.Row, len(columns))
	for _, column := range columns {
		if value, ok := payload[column]; ok {
			projected[column] = value
		}
	}
	return projected
}
