package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// textValue renders a field value the way Postgres' ->> operator renders the
// matching jsonb value. Both store implementations compare filters and owner
// ids in this text domain so their match semantics stay identical.
func textValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
