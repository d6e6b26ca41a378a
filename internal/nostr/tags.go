package nostr

// Tag is a discriminator followed by discriminator-specific values.
type Tag []string

func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value after the discriminator, or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Values returns everything after the discriminator.
func (t Tag) Values() []string {
	if len(t) < 2 {
		return nil
	}
	return t[1:]
}

type Tags []Tag

// WithValues returns the tags whose discriminator is key and that carry
// at least one value. Bare tags like ["p"] are ignored.
func (tags Tags) WithValues(key string) Tags {
	var out Tags
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			out = append(out, t)
		}
	}
	return out
}

// FirstWithValues returns the first tag matched by WithValues.
func (tags Tags) FirstWithValues(key string) (Tag, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t, true
		}
	}
	return nil, false
}

func (tags Tags) appendJSON(dst []byte) []byte {
	dst = append(dst, '[')
	for i, t := range tags {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '[')
		for j, s := range t {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = escapeString(dst, s)
		}
		dst = append(dst, ']')
	}
	return append(dst, ']')
}

// MarshalJSON encodes tags with the same escaping used for the event id,
// and encodes nil tags as [] rather than null.
func (tags Tags) MarshalJSON() ([]byte, error) {
	return tags.appendJSON(nil), nil
}
