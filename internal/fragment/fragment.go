// Package fragment splits commands into bounded chunks and reassembles them.
//
// A message is sent as one Begin chunk followed by zero or more Continuation
// chunks. The receiver knows the message is complete when a chunk shorter than
// the maximum chunk size arrives, so a message whose length is an exact
// multiple of the maximum is followed by an empty terminating chunk.
//
// A maximum of zero or less means the channel carries whole messages: Encode
// produces a single chunk and every fed chunk completes a message.
package fragment

// X11ChunkSize is the payload of an X11 ClientMessage with format 8.
const X11ChunkSize = 20

// Marker tags a chunk as the first of a message or a later one.
type Marker uint8

const (
	Begin Marker = iota
	Continuation
)

func (m Marker) String() string {
	if m == Begin {
		return "begin"
	}
	return "continuation"
}

// Chunk is one bounded piece of a message.
type Chunk struct {
	Marker Marker
	Data   []byte
}

// Encode splits command into chunks of at most maxChunk bytes.
func Encode(command string, maxChunk int) []Chunk {
	b := []byte(command)
	if maxChunk <= 0 {
		return []Chunk{{Marker: Begin, Data: b}}
	}

	chunks := make([]Chunk, 0, len(b)/maxChunk+1)
	marker := Begin
	for off := 0; ; off += maxChunk {
		end := min(off+maxChunk, len(b))
		chunks = append(chunks, Chunk{Marker: marker, Data: b[off:end]})
		if end-off < maxChunk {
			return chunks
		}
		marker = Continuation
	}
}

// Assembler rebuilds messages from chunks. It holds one message in flight, so
// chunks of interleaved messages are not supported. Not safe for concurrent use.
type Assembler struct {
	max int
	buf []byte
}

// NewAssembler returns an Assembler for a channel with the given maximum
// chunk size.
func NewAssembler(maxChunk int) *Assembler {
	return &Assembler{max: maxChunk}
}

// Feed adds c to the message in flight. It returns the text and true once the
// message is complete; the buffer is then empty again.
//
// A Continuation with no preceding Begin appends to the (empty) buffer.
func (a *Assembler) Feed(c Chunk) (string, bool) {
	if c.Marker == Begin {
		a.buf = a.buf[:0]
	}
	a.buf = append(a.buf, c.Data...)
	if a.max > 0 && len(c.Data) >= a.max {
		return "", false
	}
	text := string(a.buf)
	a.buf = a.buf[:0]
	return text, true
}

// Pending returns the number of bytes buffered for an incomplete message.
func (a *Assembler) Pending() int { return len(a.buf) }
