package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// NDJSONWriter writes resources as newline delimited JSON, one compact
// resource per line, the layout used by FHIR bulk data files.
type NDJSONWriter struct {
	w     *bufio.Writer
	buf   bytes.Buffer
	count int
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

// WriteResource writes one encoded resource as a single line. Indented input
// is compacted so the resource never spans lines.
func (n *NDJSONWriter) WriteResource(resource json.RawMessage) error {
	n.buf.Reset()
	if err := json.Compact(&n.buf, resource); err != nil {
		return fmt.Errorf("compact resource %d: %w", n.count, err)
	}
	n.buf.WriteByte('\n')
	if _, err := n.w.Write(n.buf.Bytes()); err != nil {
		return err
	}
	n.count++
	return nil
}

// Count returns the number of resources written so far.
func (n *NDJSONWriter) Count() int {
	return n.count
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}
