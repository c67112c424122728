// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is a single row of a provider response or a store table, keyed by
// column name. Values are whatever the source produced: JSON decoding yields
// float64, string, bool and nil, while SQL drivers may also yield int64, []byte
// and time.Time.
type Record map[string]interface{}

// keySeparator joins composite key values. It cannot appear in symbols or
// dates.
const keySeparator = "\x1f"

// Has checks that the field is present, non-nil and not an empty string.
func (r Record) Has(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}

// String returns the field value as a string. Missing and nil values are "".
// Integral floats are printed without the fraction, so that 20240105.0
// becomes "20240105".
func (r Record) String(field string) string {
	return ValueString(r[field])
}

// ValueString converts an arbitrary cell value to its canonical string form.
func ValueString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

// Float returns the field value as float64. The second value is false when the
// field is missing or cannot be converted.
func (r Record) Float(field string) (float64, bool) {
	return ValueFloat(r[field])
}

// ValueFloat converts an arbitrary numeric cell value to float64.
func ValueFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		return f, err == nil
	}
	return 0, false
}

// Key returns the composite key value of the record for the given fields.
func (r Record) Key(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = r.String(f)
	}
	return strings.Join(parts, keySeparator)
}

// Project returns a copy with only the given fields. Missing fields are
// omitted rather than set to nil.
func (r Record) Project(fields []string) Record {
	r2 := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			r2[f] = v
		}
	}
	return r2
}
