/*
Kurier - composable mail transfer agent library.
Copyright © 2020-2024 The Kurier authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package log

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LogFormatter overrides how a field value appears in the JSON tail of
// an event. Values are otherwise rendered with encoding/json, except
// that time.Time becomes an ISO 8601 string with millisecond precision
// and fmt.Stringer and error values become their string form.
type LogFormatter interface {
	FormatLog() string
}

// writeJSONFields writes fields as a JSON object with keys in sorted
// order. The fixed order keeps lines from related events diffable and
// greppable.
func writeJSONFields(b *strings.Builder, fields map[string]interface{}) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}

		name, err := json.Marshal(k)
		if err != nil {
			return err
		}
		b.Write(name)
		b.WriteByte(':')

		value, err := json.Marshal(fieldValue(fields[k]))
		if err != nil {
			return err
		}
		b.Write(value)
	}
	b.WriteByte('}')
	return nil
}

func fieldValue(v interface{}) interface{} {
	switch v := v.(type) {
	case time.Time:
		return v.Format("2006-01-02T15:04:05.000")
	case time.Duration:
		return v.String()
	case LogFormatter:
		return v.FormatLog()
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	default:
		return v
	}
}
