/*
 *
 * Copyright 2025 The zerobus Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package recording implements the capture file format used to record and
// replay service traffic: a fixed header identifying the service and its
// payload type, followed by length-prefixed, timestamped payload records.
//
// All integers are little-endian. The payload type is identified by the
// same (name hash, size, alignment) triple the services themselves use, so
// a replay against a service with a different payload type is rejected
// before any sample is published.
package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	magic   = "ZBUSREC\x00"
	version = uint32(1)

	maxServiceName = 128
	maxPayloadSize = 1 << 30
)

// ErrBadFormat reports a capture file that does not follow the format.
var ErrBadFormat = errors.New("malformed capture file")

// Header identifies the recorded service.
type Header struct {
	Service   string
	Pattern   uint32
	TypeHash  uint64
	TypeSize  uint64
	TypeAlign uint64
}

// Record is one captured payload with its capture timestamp.
type Record struct {
	Timestamp time.Time
	Payload   []byte
}

// Writer appends records to a capture stream.
type Writer struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewWriter writes the capture header to w and returns a record writer.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if len(h.Service) == 0 || len(h.Service) > maxServiceName {
		return nil, fmt.Errorf("service name length must be 1..%d", maxServiceName)
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	for _, v := range []uint32{version, h.Pattern, uint32(len(h.Service))} {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to write capture header: %w", err)
		}
	}
	if _, err := bw.WriteString(h.Service); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	for _, v := range []uint64{h.TypeHash, h.TypeSize, h.TypeAlign} {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to write capture header: %w", err)
		}
	}
	return &Writer{w: bw}, nil
}

// Create creates a capture file at path and writes its header.
func Create(path string, h Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := NewWriter(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	if uint64(len(rec.Payload)) > maxPayloadSize {
		return fmt.Errorf("payload of %d bytes exceeds record limit", len(rec.Payload))
	}
	if err := binary.Write(w.w, binary.LittleEndian, rec.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(rec.Payload))); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if _, err := w.w.Write(rec.Payload); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the underlying file when the
// writer owns one.
func (w *Writer) Close() error {
	err := w.w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader iterates over the records of a capture stream.
type Reader struct {
	r      *bufio.Reader
	hdr    Header
	closer io.Closer
}

// NewReader parses the capture header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	got := make([]byte, len(magic))
	if _, err := io.ReadFull(br, got); err != nil {
		return nil, fmt.Errorf("%w: short magic: %v", ErrBadFormat, err)
	}
	if string(got) != magic {
		return nil, fmt.Errorf("%w: bad magic bytes", ErrBadFormat)
	}

	var ver, pattern, nameLen uint32
	for _, p := range []*uint32{&ver, &pattern, &nameLen} {
		if err := binary.Read(br, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("%w: truncated header: %v", ErrBadFormat, err)
		}
	}
	if ver != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFormat, ver)
	}
	if nameLen == 0 || nameLen > maxServiceName {
		return nil, fmt.Errorf("%w: service name length %d", ErrBadFormat, nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(br, name); err != nil {
		return nil, fmt.Errorf("%w: truncated service name: %v", ErrBadFormat, err)
	}

	h := Header{Service: string(name), Pattern: pattern}
	for _, p := range []*uint64{&h.TypeHash, &h.TypeSize, &h.TypeAlign} {
		if err := binary.Read(br, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("%w: truncated header: %v", ErrBadFormat, err)
		}
	}
	return &Reader{r: br, hdr: h}, nil
}

// Open opens a capture file and parses its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Header returns the parsed capture header.
func (r *Reader) Header() Header {
	return r.hdr
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var ts int64
	if err := binary.Read(r.r, binary.LittleEndian, &ts); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: truncated record: %v", ErrBadFormat, err)
	}
	var n uint32
	if err := binary.Read(r.r, binary.LittleEndian, &n); err != nil {
		return Record{}, fmt.Errorf("%w: truncated record: %v", ErrBadFormat, err)
	}
	if n > maxPayloadSize {
		return Record{}, fmt.Errorf("%w: record of %d bytes", ErrBadFormat, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Record{}, fmt.Errorf("%w: truncated payload: %v", ErrBadFormat, err)
	}
	return Record{Timestamp: time.Unix(0, ts), Payload: payload}, nil
}

// Close closes the underlying file when the reader owns one.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
