package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
)

// StringList is persisted as a comma separated TEXT column.
type StringList []string

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	if raw == "" {
		*l = nil
		return nil
	}
	*l = strings.Split(raw, ",")
	return nil
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	return strings.Join(l, ","), nil
}

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Without returns a copy of the list with s removed.
func (l StringList) Without(s string) StringList {
	out := make(StringList, 0, len(l))
	for _, v := range l {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Union returns the sorted, de-duplicated union of l and other.
func (l StringList) Union(other []string) StringList {
	seen := make(map[string]struct{}, len(l)+len(other))
	out := make(StringList, 0, len(l)+len(other))
	for _, v := range append(append([]string{}, l...), other...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// OutpointString formats an outpoint as txid:vout.
func OutpointString(txId string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txId, vout)
}
