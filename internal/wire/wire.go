// Package wire reads and writes recordings: a sequence of message.Record
// values in one of two encodings, with optional NaCl secretbox sealing.
//
// Plain ndjson:
//
//	<json>\n
//
// Plain cbor: a CBOR sequence, one map per record.
//
// Sealed (either format):
//
//	<base64(nonce+ciphertext of the encoded record)>\n
//
// Sealed records are line framed in both formats so a reader can resync on
// the next line after a bad one.
package wire

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"go.klb.dev/skypebridge/internal/crypto"
	"go.klb.dev/skypebridge/internal/message"
)

// MaxRecordSize is the largest line we will read (16 MiB).
const MaxRecordSize = 16 * 1024 * 1024

// CBOR records use Core Deterministic Encoding (RFC 8949 §4.2), so the same
// record always encodes to the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Format selects the record encoding.
type Format int

const (
	FormatNDJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "ndjson"
}

// ParseFormat maps "ndjson"/"json" and "cbor" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "ndjson", "json", "jsonl":
		return FormatNDJSON, nil
	case "cbor":
		return FormatCBOR, nil
	default:
		return 0, fmt.Errorf("unknown record format %q (want ndjson or cbor)", s)
	}
}

// Writer appends records to an io.Writer. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	format Format
	key    *[crypto.KeySize]byte // nil = plain
	enc    *cbor.Encoder
}

// NewWriter returns a Writer. If key is non-nil every record is sealed.
func NewWriter(w io.Writer, format Format, key *[crypto.KeySize]byte) *Writer {
	bw := bufio.NewWriter(w)
	wr := &Writer{bw: bw, format: format, key: key}
	if format == FormatCBOR && key == nil {
		wr.enc = encMode.NewEncoder(bw)
	}
	return wr
}

// Write encodes r and flushes it, so a crash loses at most the record being
// written.
func (w *Writer) Write(r message.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc != nil {
		if err := w.enc.Encode(r); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		return w.bw.Flush()
	}

	raw, err := marshal(w.format, r)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	var line []byte
	if w.key != nil {
		sealed, err := crypto.Seal(raw, w.key)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		line = []byte(base64.StdEncoding.EncodeToString(sealed))
	} else {
		line = raw
	}
	if _, err := w.bw.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.bw.Flush()
}

// Reader reads records written by a Writer with the same format and key.
type Reader struct {
	br     *bufio.Reader
	format Format
	key    *[crypto.KeySize]byte
	dec    *cbor.Decoder
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader, format Format, key *[crypto.KeySize]byte) *Reader {
	br := bufio.NewReaderSize(r, 64*1024)
	rd := &Reader{br: br, format: format, key: key}
	if format == FormatCBOR && key == nil {
		rd.dec = decMode.NewDecoder(br)
	}
	return rd
}

// Read returns the next record, or io.EOF after the last one.
func (r *Reader) Read() (message.Record, error) {
	var rec message.Record
	if r.dec != nil {
		if err := r.dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return rec, io.EOF
			}
			return rec, fmt.Errorf("decode: %w", err)
		}
		return rec, rec.Validate()
	}

	line, err := r.nextLine()
	if err != nil {
		return rec, err
	}
	raw := line
	if r.key != nil {
		sealed, err := base64.StdEncoding.DecodeString(string(line))
		if err != nil {
			return rec, fmt.Errorf("base64 decode: %w", err)
		}
		if raw, err = crypto.Open(sealed, r.key); err != nil {
			return rec, fmt.Errorf("decrypt: %w", err)
		}
	}
	if err := unmarshal(r.format, raw, &rec); err != nil {
		return rec, fmt.Errorf("decode: %w", err)
	}
	return rec, rec.Validate()
}

// nextLine returns the next non-blank line without its terminator.
func (r *Reader) nextLine() ([]byte, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) > MaxRecordSize {
			return nil, fmt.Errorf("record too large (%d bytes)", len(line))
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadAll reads every record from r.
func ReadAll(r io.Reader, format Format, key *[crypto.KeySize]byte) ([]message.Record, error) {
	rd := NewReader(r, format, key)
	var out []message.Record
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
}

func marshal(f Format, r message.Record) ([]byte, error) {
	if f == FormatCBOR {
		return encMode.Marshal(r)
	}
	return json.Marshal(r)
}

func unmarshal(f Format, b []byte, r *message.Record) error {
	if f == FormatCBOR {
		return decMode.Unmarshal(b, r)
	}
	return json.Unmarshal(b, r)
}
