package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Binary record layout, little-endian, varint-prefixed:
//
//	source  : uvarint len + bytes
//	sheet   : uvarint len + bytes
//	row     : uvarint
//	nfields : uvarint
//	fields  : nfields x (name, kind byte, payload), names sorted
//
// Field names are written in lexicographic order so the same record always
// encodes to the same bytes.

// ErrTruncatedRecord is returned when a record block ends mid-record.
var ErrTruncatedRecord = errors.New("metadata: truncated record")

// AppendRecord appends the binary encoding of r to buf.
func AppendRecord(buf []byte, r Record) []byte {
	buf = appendString(buf, r.Source)
	buf = appendString(buf, r.Sheet)
	buf = binary.AppendUvarint(buf, uint64(r.Row))
	buf = binary.AppendUvarint(buf, uint64(len(r.Fields)))

	for _, name := range r.Fields.SortedKeys() {
		buf = appendString(buf, name)
		buf = appendValue(buf, r.Fields[name])
	}

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))

	switch v.Kind {
	case KindInt:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.I64))
	case KindFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
	case KindString:
		buf = appendString(buf, v.StringValue())
	case KindBool:
		b := byte(0)
		if v.B {
			b = 1
		}
		buf = append(buf, b)
	}

	return buf
}

// DecodeRecord decodes one record from data and returns it together with the
// number of bytes consumed.
func DecodeRecord(data []byte) (Record, int, error) {
	d := decoder{data: data}

	source := d.str()
	sheet := d.str()
	row := d.uvarint()
	nfields := d.uvarint()

	if d.err != nil {
		return Record{}, 0, d.err
	}
	if nfields > uint64(len(data)) {
		// A count larger than the remaining bytes cannot be valid.
		return Record{}, 0, fmt.Errorf("metadata: implausible field count %d", nfields)
	}

	fields := make(Document, nfields)
	for i := uint64(0); i < nfields; i++ {
		name := d.str()
		value := d.value()
		if d.err != nil {
			return Record{}, 0, d.err
		}
		fields[name] = value
	}

	return Record{
		Source: source,
		Sheet:  sheet,
		Row:    int(row),
		Fields: fields,
	}, d.off, nil
}

type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		d.err = ErrTruncatedRecord
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) str() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.data)-d.off) < n {
		d.err = ErrTruncatedRecord
		return ""
	}
	s := string(d.data[d.off : d.off+int(n)])
	d.off += int(n)
	return s
}

func (d *decoder) value() Value {
	if d.err != nil {
		return Value{}
	}
	if d.off >= len(d.data) {
		d.err = ErrTruncatedRecord
		return Value{}
	}

	kind := Kind(d.data[d.off])
	d.off++

	switch kind {
	case KindNull:
		return Null()
	case KindInt:
		return Int(int64(d.u64()))
	case KindFloat:
		return Float(math.Float64frombits(d.u64()))
	case KindString:
		return String(d.str())
	case KindBool:
		if d.off >= len(d.data) {
			d.err = ErrTruncatedRecord
			return Value{}
		}
		b := d.data[d.off]
		d.off++
		return Bool(b == 1)
	default:
		d.err = fmt.Errorf("metadata: unknown value kind %d", kind)
		return Value{}
	}
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.data)-d.off < 8 {
		d.err = ErrTruncatedRecord
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}
