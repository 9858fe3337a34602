package event

import (
	"encoding/json"
	"strings"
)

// Filter selects events in a subscription.
// Empty fields match everything.
type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string

	// Tags maps single-letter tag names (without the '#')
	// to accepted values.
	Tags map[string][]string

	Since int64
	Until int64
	Limit int
}

// MarshalJSON implements json.Marshaler,
// flattening Tags into "#x" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	for k, v := range f.Tags {
		m["#"+k] = v
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Until > 0 {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*f = Filter{}
	for k, v := range m {
		var err error
		switch {
		case k == "ids":
			err = json.Unmarshal(v, &f.IDs)
		case k == "kinds":
			err = json.Unmarshal(v, &f.Kinds)
		case k == "authors":
			err = json.Unmarshal(v, &f.Authors)
		case k == "since":
			err = json.Unmarshal(v, &f.Since)
		case k == "until":
			err = json.Unmarshal(v, &f.Until)
		case k == "limit":
			err = json.Unmarshal(v, &f.Limit)
		case strings.HasPrefix(k, "#"):
			var vals []string
			err = json.Unmarshal(v, &vals)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[k[1:]] = vals
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Matches tells whether ev passes f.
func (f Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	for name, vals := range f.Tags {
		var found bool
		for _, t := range ev.Tags.FindAll(name) {
			if containsString(vals, t.Value()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}
	return true
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func containsInt(is []int, i int) bool {
	for _, x := range is {
		if x == i {
			return true
		}
	}
	return false
}
