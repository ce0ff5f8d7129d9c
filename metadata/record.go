package metadata

// Record pairs the typed fields of one indexed item with its provenance:
// where the item came from (Source), which sub-section (Sheet) and the
// position within it (Row).
//
// Records are owned by the Store once added and must not be mutated.
type Record struct {
	// Source identifies the origin, e.g. a workbook file name.
	Source string

	// Sheet identifies the sub-section within the source.
	Sheet string

	// Row is the zero-based position within the sheet.
	Row int

	// Fields holds the typed data columns of the record.
	Fields Document
}

// Get returns the named field value.
func (r Record) Get(field string) (Value, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Clone creates an independent copy of the record.
func (r Record) Clone() Record {
	clone := r
	clone.Fields = r.Fields.Clone()
	return clone
}

// Equal reports whether two records carry the same provenance and fields.
func (r Record) Equal(other Record) bool {
	if r.Source != other.Source || r.Sheet != other.Sheet || r.Row != other.Row {
		return false
	}
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range r.Fields {
		ov, ok := other.Fields[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
