package metadata

// Range constrains a numeric field to inclusive bounds. A nil bound is open.
type Range struct {
	Min *float64
	Max *float64
}

// Condition constrains a single record field. Exactly one of the three
// forms should be set; when several are set, all must hold.
type Condition struct {
	// Equals requires the field to equal this value exactly.
	Equals *Value

	// OneOf requires the field to equal one of these values.
	OneOf []Value

	// Range requires a numeric field to fall within the bounds.
	Range *Range
}

// FilterSpec maps field names to conditions. A record matches only when
// every field's condition holds; a record lacking a filtered field never
// matches. A missing field is an exclusion, not an error.
type FilterSpec map[string]Condition

// Equals builds a single-form exact-match condition.
func Equals(v Value) Condition { return Condition{Equals: &v} }

// OneOf builds a set-membership condition.
func OneOf(values ...Value) Condition { return Condition{OneOf: values} }

// Between builds an inclusive numeric range condition.
func Between(minVal, maxVal float64) Condition {
	return Condition{Range: &Range{Min: &minVal, Max: &maxVal}}
}

// AtLeast builds a lower-bounded numeric range condition.
func AtLeast(minVal float64) Condition {
	return Condition{Range: &Range{Min: &minVal}}
}

// AtMost builds an upper-bounded numeric range condition.
func AtMost(maxVal float64) Condition {
	return Condition{Range: &Range{Max: &maxVal}}
}

// Matches checks if the value satisfies the condition.
func (c Condition) Matches(v Value) bool {
	if c.Equals != nil && !v.Equal(*c.Equals) {
		return false
	}

	if len(c.OneOf) > 0 {
		member := false
		for _, candidate := range c.OneOf {
			if v.Equal(candidate) {
				member = true
				break
			}
		}
		if !member {
			return false
		}
	}

	if c.Range != nil {
		n, ok := v.Number()
		if !ok {
			return false
		}
		if c.Range.Min != nil && n < *c.Range.Min {
			return false
		}
		if c.Range.Max != nil && n > *c.Range.Max {
			return false
		}
	}

	return true
}

// Matches checks if the record satisfies every condition in the spec.
// An empty spec matches everything.
func (fs FilterSpec) Matches(r Record) bool {
	for field, cond := range fs {
		v, ok := r.Get(field)
		if !ok || !cond.Matches(v) {
			return false
		}
	}
	return true
}
