// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// MaxChunkSize is the largest single NDJSON line or SSE event accepted (64KB).
const MaxChunkSize = 64 * 1024

// MaxFallbackBytes bounds how much of a response body is kept for the
// single-shot fallback parse.
const MaxFallbackBytes = 4 << 20

// chunkDecoder yields chunks from one framing. Next returns io.EOF at the end
// of the stream and *MalformedChunkError for fragments it cannot decode.
type chunkDecoder interface {
	Next() (Chunk, error)
	Release()
}

// errStreamFailed marks an error object sent inside the stream.
var errStreamFailed = errors.New("server reported error")

// =============================================================================
// NDJSON STREAM READER
// =============================================================================

// streamReaderPool reuses StreamReader buffers across requests.
var streamReaderPool = sync.Pool{
	New: func() any {
		return &StreamReader{reader: bufio.NewReaderSize(nil, 8*1024)}
	},
}

// StreamReader decodes newline-delimited JSON (Ollama framing).
//
// Obtain one with NewStreamReader and always call Release.
type StreamReader struct {
	reader *bufio.Reader
}

// NewStreamReader takes a reader from the pool and points it at r.
func NewStreamReader(r io.Reader) *StreamReader {
	sr := streamReaderPool.Get().(*StreamReader)
	sr.reader.Reset(r)
	return sr
}

// Release returns the reader to the pool. The reader must not be used after.
func (s *StreamReader) Release() {
	s.reader.Reset(nil)
	streamReaderPool.Put(s)
}

// Next decodes the next non-empty line.
func (s *StreamReader) Next() (Chunk, error) {
	for {
		line, err := readLine(s.reader)
		if err != nil && len(line) == 0 {
			return Chunk{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > MaxChunkSize {
			return Chunk{}, &MalformedChunkError{Data: string(line[:128]), Cause: errors.New("chunk exceeds maximum size")}
		}

		var msg ndjsonLine
		if uerr := json.Unmarshal(line, &msg); uerr != nil {
			return Chunk{}, &MalformedChunkError{Data: string(line), Cause: uerr}
		}
		if msg.Error != "" {
			return Chunk{}, &streamFailure{msg: msg.Error}
		}
		return msg.chunk(), nil
	}
}

// readLine reads through the next newline, tolerating a final unterminated
// line. Only a clean EOF with no data is returned as io.EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return line, nil
	}
	return line, err
}

// =============================================================================
// SSE READER
// =============================================================================

var sseReaderPool = sync.Pool{
	New: func() any {
		return &SSEReader{reader: bufio.NewReaderSize(nil, 8*1024)}
	},
}

// SSEReader decodes Server-Sent Events carrying OpenAI completion chunks.
//
// Obtain one with NewSSEReader and always call Release.
type SSEReader struct {
	reader *bufio.Reader
	done   bool
}

// NewSSEReader takes a reader from the pool and points it at r.
func NewSSEReader(r io.Reader) *SSEReader {
	sr := sseReaderPool.Get().(*SSEReader)
	sr.reader.Reset(r)
	sr.done = false
	return sr
}

// Release returns the reader to the pool.
func (s *SSEReader) Release() {
	s.reader.Reset(nil)
	sseReaderPool.Put(s)
}

// ReadEvent reads the next event. It returns the event type and the joined
// data lines, or io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var data [][]byte

	for {
		line, err := readLine(s.reader)
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return eventType, bytes.Join(data, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(data) > 0 {
				return eventType, bytes.Join(data, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[5:]))
		}
		// id:, retry: and ":" comments are ignored
	}
}

// Next decodes the next data event. The [DONE] sentinel ends the stream.
func (s *SSEReader) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	eventType, data, err := s.ReadEvent()
	if err != nil {
		return Chunk{}, err
	}
	if bytes.Equal(data, []byte("[DONE]")) {
		s.done = true
		return Chunk{Done: true}, nil
	}
	if len(data) > MaxChunkSize {
		return Chunk{}, &MalformedChunkError{Data: string(data[:128]), Cause: errors.New("chunk exceeds maximum size")}
	}
	if eventType == "error" {
		return Chunk{}, &streamFailure{msg: string(data)}
	}

	var ev sseEvent
	if uerr := json.Unmarshal(data, &ev); uerr != nil {
		return Chunk{}, &MalformedChunkError{Data: string(data), Cause: uerr}
	}
	return ev.chunk(), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// streamFailure is an error object delivered in-band by the server.
type streamFailure struct {
	msg string
}

func (e *streamFailure) Error() string { return e.msg }
func (e *streamFailure) Unwrap() error { return errStreamFailed }

// capBuffer keeps the first limit bytes written to it.
type capBuffer struct {
	buf   bytes.Buffer
	limit int
	full  bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.full = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.full = true
	}
	return len(p), nil
}

// parseSingleShot extracts the full text from a non-streamed response body.
// Both the Ollama and OpenAI response shapes are accepted.
func parseSingleShot(body []byte) (Chunk, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Chunk{}, false
	}

	var ev sseEvent
	if json.Unmarshal(body, &ev) == nil {
		if c := ev.chunk(); c.Delta != "" {
			c.Done = true
			return c, true
		}
	}

	var line ndjsonLine
	if json.Unmarshal(body, &line) == nil {
		if c := line.chunk(); c.Delta != "" {
			c.Done = true
			return c, true
		}
	}
	return Chunk{}, false
}
