package event

// Tag is one tag of an event: a name followed by values.
type Tag []string

// Name is the tag's first element.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value is the tag's second element.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the list of tags on an event.
type Tags []Tag

// Find returns the first tag with the given name, or nil.
func (tags Tags) Find(name string) Tag {
	for _, t := range tags {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// FindAll returns every tag with the given name.
func (tags Tags) FindAll(name string) []Tag {
	var out []Tag
	for _, t := range tags {
		if t.Name() == name {
			out = append(out, t)
		}
	}
	return out
}

// Value returns the value of the first tag with the given name, or "".
func (tags Tags) Value(name string) string {
	return tags.Find(name).Value()
}
