package nsite

import (
	"fmt"
	"sort"
	"strings"
)

// MultiErr maps destinations (blob servers or relays, by URL)
// to the errors encountered talking to them.
// A fan-out operation returns one when some destinations failed;
// destinations absent from the map succeeded.
type MultiErr map[string]error

// Error implements the error interface.
func (e MultiErr) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	strs := make([]string, 0, len(keys))
	for _, k := range keys {
		strs = append(strs, fmt.Sprintf("%s: %s", k, e[k]))
	}
	return "error(s): " + strings.Join(strs, "; ")
}

// Add records err for dest, allocating the map if needed.
// A nil err is ignored.
func (e *MultiErr) Add(dest string, err error) {
	if err == nil {
		return
	}
	if *e == nil {
		*e = make(MultiErr)
	}
	(*e)[dest] = err
}

// ErrOrNil returns e as an error, or nil if it's empty.
func (e MultiErr) ErrOrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
