package report

import (
	"bytes"
	"strconv"
)

// DefaultCapacity is the publish size budget for a complete report.
const DefaultCapacity = 1024

// Writer emits a JSON report incrementally while tracking bytes written, so
// enrichment blocks can size themselves against the remaining budget. Fields
// appear exactly in call order.
type Writer struct {
	buf      bytes.Buffer
	capacity int
	needSep  bool
}

func NewWriter(capacity int) *Writer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Writer{capacity: capacity}
}

func (w *Writer) sep() {
	if w.needSep {
		w.buf.WriteByte(',')
	}
	w.needSep = false
}

// Name writes an object key; the next value call supplies its value.
func (w *Writer) Name(name string) *Writer {
	w.sep()
	w.buf.WriteString(strconv.Quote(name))
	w.buf.WriteByte(':')
	return w
}

func (w *Writer) BeginObject() *Writer {
	w.sep()
	w.buf.WriteByte('{')
	return w
}

func (w *Writer) EndObject() *Writer {
	w.buf.WriteByte('}')
	w.needSep = true
	return w
}

func (w *Writer) BeginArray() *Writer {
	w.sep()
	w.buf.WriteByte('[')
	return w
}

func (w *Writer) EndArray() *Writer {
	w.buf.WriteByte(']')
	w.needSep = true
	return w
}

func (w *Writer) Str(v string) *Writer {
	w.sep()
	w.buf.WriteString(strconv.Quote(v))
	w.needSep = true
	return w
}

func (w *Writer) Int(v int64) *Writer {
	w.sep()
	w.buf.WriteString(strconv.FormatInt(v, 10))
	w.needSep = true
	return w
}

func (w *Writer) Uint(v uint64) *Writer {
	w.sep()
	w.buf.WriteString(strconv.FormatUint(v, 10))
	w.needSep = true
	return w
}

// Float writes v with a fixed number of decimals.
func (w *Writer) Float(v float64, prec int) *Writer {
	w.sep()
	w.buf.WriteString(strconv.FormatFloat(v, 'f', prec, 64))
	w.needSep = true
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	w.sep()
	w.buf.WriteString(strconv.FormatBool(v))
	w.needSep = true
	return w
}

// Len is the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Capacity is the total byte budget.
func (w *Writer) Capacity() int {
	return w.capacity
}

// Payload returns the accumulated report bytes.
func (w *Writer) Payload() []byte {
	return w.buf.Bytes()
}
