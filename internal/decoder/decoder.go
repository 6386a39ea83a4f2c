// Package decoder reassembles raw capture bytes into complete HTTP
// request/response messages per connection, resolving chunked, streaming,
// and fixed-length framing before handing a message downstream.
package decoder

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// Mode is a direction's position in the per-connection state machine:
// ExpectStartLine -> Headers -> Body(length|chunked|stream|none) -> Done,
// with Error as the terminal failure state for that direction.
type Mode int

const (
	ExpectStartLine Mode = iota
	HeadersMode
	BodyLength
	BodyChunked
	BodyStream
	BodyNone
	Done
	Error
)

const (
	// MaxHeaderBytes caps the accumulated start-line+header block per message.
	MaxHeaderBytes = 64 * 1024

	// MaxConnBufferBytes is the hard per-direction buffer cap; exceeding it
	// closes the connection from the decoder's perspective.
	MaxConnBufferBytes = 8 * 1024 * 1024
)

// Headers is a case-insensitive multimap, per RFC 7230 header semantics.
type Headers = textproto.MIMEHeader

// Message is a decoded request or response, depending on which direction
// produced it. Exactly one of Request/Status fields is meaningful.
type Message struct {
	IsRequest bool

	Method string
	Path   string
	Host   string

	StatusCode int
	StatusText string

	Headers   Headers
	Body      []byte
	Complete  bool
	Streaming bool

	// SSEDeltas holds each complete SSE record surfaced as the stream grows.
	// Only populated when Streaming is true.
	SSEDeltas []SSERecord
}

// SSERecord is one complete blank-line-terminated SSE record.
type SSERecord struct {
	Event string
	Data  string
}

// DecodeError reports a parse failure confined to one direction of one
// connection; the caller resets that direction's buffer and continues.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode: " + e.Reason }

// direction holds the mutable state machine for one half of a connection.
type direction struct {
	mode Mode
	buf  bytes.Buffer

	isRequest bool

	method, path, host string
	statusCode         int
	statusText         string
	headers            Headers

	bodyLen      int64 // for BodyLength
	bodyRead     int64
	bodyBuf      []byte
	chunkState   chunkDecoderState
	streamState  sseDecoderState
	streaming    bool
	noBodyReason string

	// SSE-over-chunked: the dechunked payload is additionally scanned for
	// SSE records so deltas surface without waiting for the 0-chunk.
	sseFeed     bytes.Buffer
	sseProbed   bool
	sseTerminal bool
}

type chunkDecoderState struct {
	// remaining is bytes left in the current chunk, including its trailing
	// CRLF once the size line has been consumed; -1 means "need a size line".
	remaining   int64
	sawLastSize bool
	trailerDone bool
}

type sseDecoderState struct {
	curEvent string
	dataBuf  bytes.Buffer
}

// Conn is the per-connection decoder: one direction for the request stream,
// one for the response stream, matching the spec's { inbuf_req, inbuf_resp,
// mode_req, mode_resp, ... } state.
type Conn struct {
	Req  direction
	Resp direction
}

// NewConn starts both directions at ExpectStartLine.
func NewConn() *Conn {
	c := &Conn{}
	c.Req.mode = ExpectStartLine
	c.Req.isRequest = true
	c.Resp.mode = ExpectStartLine
	c.Resp.isRequest = false
	return c
}

// FeedRequest appends client->server bytes and returns any messages that
// became complete (or newly available SSE deltas) as a result.
func (c *Conn) FeedRequest(b []byte) ([]*Message, error) {
	return feed(&c.Req, b)
}

// FeedResponse appends server->client bytes and returns any messages that
// became complete (or newly available SSE deltas) as a result.
func (c *Conn) FeedResponse(b []byte) ([]*Message, error) {
	return feed(&c.Resp, b)
}

func feed(d *direction, b []byte) ([]*Message, error) {
	if d.mode == Error {
		return nil, &DecodeError{Reason: "direction halted after prior parse error"}
	}

	d.buf.Write(b)
	if d.buf.Len() > MaxConnBufferBytes {
		d.mode = Error
		return nil, &DecodeError{Reason: "connection buffer exceeded hard cap"}
	}

	var out []*Message
	for {
		switch d.mode {
		case ExpectStartLine, HeadersMode:
			ok, err := tryParseHeaders(d)
			if err != nil {
				resetDirection(d)
				return out, err
			}
			if !ok {
				return out, nil
			}

		case BodyLength:
			complete, msg := readLengthedBody(d)
			if msg != nil {
				out = append(out, msg)
			}
			if !complete {
				return out, nil
			}

		case BodyChunked:
			complete, msgs, err := readChunkedBody(d)
			out = append(out, msgs...)
			if err != nil {
				resetDirection(d)
				return out, err
			}
			if !complete {
				return out, nil
			}

		case BodyStream:
			msgs, done := readStreamBody(d)
			out = append(out, msgs...)
			if !done {
				return out, nil
			}

		case BodyNone:
			out = append(out, finalizeNoBody(d))

		case Done:
			resetForNextMessage(d)
			continue

		case Error:
			return out, &DecodeError{Reason: "direction halted after prior parse error"}
		}
	}
}

// tryParseHeaders scans for the blank-line terminator (tolerating bare LF),
// parses the start line and header block, and transitions to the
// appropriate Body* mode. Returns ok=false when more bytes are needed.
func tryParseHeaders(d *direction) (bool, error) {
	raw := d.buf.Bytes()
	idx, sepLen := findHeaderTerminator(raw)
	if idx < 0 {
		if d.buf.Len() > MaxHeaderBytes {
			return false, &DecodeError{Reason: "header block exceeds 64 KiB cap"}
		}
		return false, nil
	}
	if idx > MaxHeaderBytes {
		return false, &DecodeError{Reason: "header block exceeds 64 KiB cap"}
	}

	headerBlock := raw[:idx]
	d.buf.Next(idx + sepLen)

	lines := splitLines(headerBlock)
	if len(lines) == 0 {
		return false, &DecodeError{Reason: "empty start line"}
	}

	headers := make(Headers)
	for _, line := range lines[1:] {
		name, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		headers.Add(name, value)
	}

	if d.isRequest {
		method, path, host, err := parseRequestLine(lines[0], headers)
		if err != nil {
			return false, err
		}
		d.method, d.path, d.host = method, path, host
	} else {
		status, text, err := parseStatusLine(lines[0])
		if err != nil {
			return false, err
		}
		d.statusCode, d.statusText = status, text
	}
	d.headers = headers
	d.mode = HeadersMode

	return true, selectBodyMode(d)
}

// selectBodyMode resolves Transfer-Encoding/Content-Length/method-has-no-body
// precedence and advances d.mode accordingly. The error return exists so
// duplicate Content-Length values can fail the message per the "treat as
// fatal parse error" rule.
func selectBodyMode(d *direction) error {
	cls := d.headers.Values("Content-Length")
	if len(cls) > 1 {
		for _, v := range cls[1:] {
			if v != cls[0] {
				return &DecodeError{Reason: "duplicate Content-Length with differing values"}
			}
		}
	}

	te := strings.ToLower(d.headers.Get("Transfer-Encoding"))
	if strings.Contains(te, "chunked") {
		d.chunkState = chunkDecoderState{remaining: -1}
		d.mode = BodyChunked
		if isSSEResponse(d) {
			d.streaming = true
			d.sseProbed = true
		}
		return nil
	}

	if isSSEResponse(d) {
		d.streaming = true
		d.mode = BodyStream
		return nil
	}

	if len(cls) == 1 {
		n, err := strconv.ParseInt(cls[0], 10, 64)
		if err != nil || n < 0 {
			return &DecodeError{Reason: "invalid Content-Length"}
		}
		d.bodyLen = n
		d.bodyRead = 0
		d.mode = BodyLength
		return nil
	}

	if d.isRequest && methodHasNoBody(d.method) {
		d.noBodyReason = "method has no body semantics"
		d.mode = BodyNone
		return nil
	}

	if !d.isRequest {
		// No Content-Length, not chunked, not SSE: complete on connection
		// close. Modeled as BodyStream without the streaming flag so callers
		// read until EOF; Close() finalizes it.
		d.mode = BodyStream
		return nil
	}

	d.noBodyReason = "no body framing present"
	d.mode = BodyNone
	return nil
}

func isSSEResponse(d *direction) bool {
	if d.isRequest {
		return false
	}
	ct := strings.ToLower(d.headers.Get("Content-Type"))
	return strings.Contains(ct, "text/event-stream")
}

func methodHasNoBody(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "DELETE", "OPTIONS", "TRACE":
		return true
	}
	return false
}

func readLengthedBody(d *direction) (bool, *Message) {
	need := d.bodyLen - d.bodyRead
	avail := int64(d.buf.Len())
	take := need
	if avail < take {
		take = avail
	}
	if take > 0 {
		chunk := d.buf.Next(int(take))
		d.appendBody(chunk)
		d.bodyRead += take
	}
	if d.bodyRead < d.bodyLen {
		return false, nil
	}
	msg := d.finalize(true, false)
	d.mode = Done
	return true, msg
}

func finalizeNoBody(d *direction) *Message {
	msg := d.finalize(true, false)
	d.mode = Done
	return msg
}

// readChunkedBody parses HTTP/1.1 chunked transfer encoding, tolerating
// chunk extensions (";name=value" after the size) and trailers. When the
// dechunked payload carries SSE framing, each complete record is surfaced
// as a delta message without waiting for the terminating 0-chunk.
func readChunkedBody(d *direction) (bool, []*Message, error) {
	var out []*Message
	for {
		if d.chunkState.remaining < 0 && !d.chunkState.sawLastSize {
			line, ok := readCRLFLine(&d.buf)
			if !ok {
				return false, out, nil
			}
			sizeStr := line
			if i := strings.IndexByte(line, ';'); i >= 0 {
				sizeStr = line[:i]
			}
			sizeStr = strings.TrimSpace(sizeStr)
			size, err := strconv.ParseInt(sizeStr, 16, 64)
			if err != nil || size < 0 {
				return false, out, &DecodeError{Reason: "invalid chunk size"}
			}
			if size == 0 {
				d.chunkState.sawLastSize = true
				continue
			}
			d.chunkState.remaining = size
		}

		if d.chunkState.sawLastSize {
			// Trailer section: consume header lines until a blank line.
			for {
				line, ok := readCRLFLine(&d.buf)
				if !ok {
					return false, out, nil
				}
				if line == "" {
					d.chunkState.trailerDone = true
					break
				}
			}
			msg := d.finalize(true, d.streaming)
			d.mode = Done
			return true, append(out, msg), nil
		}

		avail := int64(d.buf.Len())
		take := d.chunkState.remaining
		if avail < take {
			take = avail
		}
		if take > 0 {
			payload := d.buf.Next(int(take))
			d.appendBody(payload)
			out = append(out, d.drainSSE(payload)...)
			d.chunkState.remaining -= take
		}
		if d.chunkState.remaining > 0 {
			return false, out, nil
		}
		// Chunk data consumed; expect and discard its trailing CRLF.
		if _, ok := readCRLFLine(&d.buf); !ok {
			d.chunkState.remaining = 0
			return false, out, nil
		}
		d.chunkState.remaining = -1
	}
}

// drainSSE feeds dechunked payload bytes through the SSE record scanner.
// The first payload is probed for "data:"/"event:" framing when the headers
// did not already declare text/event-stream.
func (d *direction) drainSSE(payload []byte) []*Message {
	if d.isRequest {
		return nil
	}
	if !d.sseProbed {
		d.sseProbed = true
		trimmed := bytes.TrimLeft(payload, "\r\n")
		if bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("event:")) {
			d.streaming = true
		}
	}
	if !d.streaming {
		return nil
	}

	d.sseFeed.Write(payload)
	var out []*Message
	for {
		line, ok := readCRLFLine(&d.sseFeed)
		if !ok {
			return out
		}
		if line == "" {
			if d.streamState.curEvent != "" || d.streamState.dataBuf.Len() > 0 {
				rec := SSERecord{
					Event: d.streamState.curEvent,
					Data:  d.streamState.dataBuf.String(),
				}
				out = append(out, d.finalizeSSEDelta(rec))
				if isTerminalSSERecord(rec) {
					d.sseTerminal = true
				}
			}
			d.streamState = sseDecoderState{}
			continue
		}
		d.scanSSELine(line)
	}
}

func (d *direction) scanSSELine(line string) {
	if strings.HasPrefix(line, "event:") {
		d.streamState.curEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	} else if strings.HasPrefix(line, "data:") {
		if d.streamState.dataBuf.Len() > 0 {
			d.streamState.dataBuf.WriteByte('\n')
		}
		d.streamState.dataBuf.WriteString(strings.TrimPrefix(line, "data:"))
	}
	// Lines beginning with ":" are SSE comments; ignored.
}

// readStreamBody drains whatever bytes are available, and when the response
// is SSE-framed, surfaces each complete blank-line-terminated record as a
// delta on a fresh Message (Complete=false, Streaming=true), followed by a
// final assembled Complete=true message on the terminal record. A non-SSE
// stream-until-close body is only finalized by Close.
func readStreamBody(d *direction) ([]*Message, bool) {
	if !d.streaming {
		// Non-SSE "read until EOF" response: move bytes to the body buffer;
		// the caller finalizes via Close on connection teardown.
		d.appendBody(d.buf.Next(d.buf.Len()))
		return nil, false
	}

	var out []*Message
	for {
		b := d.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			return out, false
		}
		raw := d.buf.Next(i + 1)
		d.appendBody(raw)
		line := strings.TrimSuffix(strings.TrimSuffix(string(raw), "\n"), "\r")

		if line == "" {
			if d.streamState.curEvent != "" || d.streamState.dataBuf.Len() > 0 {
				rec := SSERecord{
					Event: d.streamState.curEvent,
					Data:  d.streamState.dataBuf.String(),
				}
				out = append(out, d.finalizeSSEDelta(rec))
				if isTerminalSSERecord(rec) {
					d.sseTerminal = true
					out = append(out, d.finalize(true, true))
					d.mode = Done
					return out, true
				}
			}
			d.streamState = sseDecoderState{}
			continue
		}
		d.scanSSELine(line)
	}
}

func isTerminalSSERecord(rec SSERecord) bool {
	if rec.Event == "message_stop" {
		return true
	}
	if strings.TrimSpace(rec.Data) == "[DONE]" {
		return true
	}
	return false
}

func (d *direction) finalizeSSEDelta(rec SSERecord) *Message {
	return &Message{
		IsRequest:  d.isRequest,
		Method:     d.method,
		Path:       d.path,
		Host:       d.host,
		StatusCode: d.statusCode,
		StatusText: d.statusText,
		Headers:    d.headers,
		Complete:   false,
		Streaming:  true,
		SSEDeltas:  []SSERecord{rec},
	}
}

func (d *direction) appendBody(b []byte) {
	d.bodyBuf = append(d.bodyBuf, b...)
}

func (d *direction) finalize(complete, streaming bool) *Message {
	return &Message{
		IsRequest:  d.isRequest,
		Method:     d.method,
		Path:       d.path,
		Host:       d.host,
		StatusCode: d.statusCode,
		StatusText: d.statusText,
		Headers:    d.headers,
		Body:       d.bodyBuf,
		Complete:   complete,
		Streaming:  streaming,
	}
}

// Close finalizes a direction whose body completes on connection close:
// a read-until-EOF response, or an SSE-over-chunked stream whose terminal
// record arrived but whose 0-chunk never did.
func (d *direction) Close() *Message {
	switch {
	case d.mode == BodyStream && !d.streaming:
		msg := d.finalize(true, false)
		d.mode = Done
		return msg
	case d.mode == BodyChunked && d.sseTerminal:
		msg := d.finalize(true, true)
		d.mode = Done
		return msg
	}
	return nil
}

// Close finalizes both directions on connection teardown, returning any
// body that only completes now. Streaming responses cut mid-record are not
// returned here; the correlator finalizes them from its pending-entry state.
func (c *Conn) Close() []*Message {
	var out []*Message
	if m := c.Req.Close(); m != nil {
		out = append(out, m)
	}
	if m := c.Resp.Close(); m != nil {
		out = append(out, m)
	}
	return out
}

// RespStreaming reports whether the response direction is an in-flight SSE
// stream, so the caller can finalize a partial response on connection close.
func (c *Conn) RespStreaming() bool {
	if c.Resp.sseTerminal || c.Resp.mode == Done {
		return false
	}
	return c.Resp.streaming && (c.Resp.mode == BodyStream || c.Resp.mode == BodyChunked)
}

func resetDirection(d *direction) {
	d.buf.Reset()
	*d = direction{mode: ExpectStartLine, isRequest: d.isRequest}
}

func resetForNextMessage(d *direction) {
	isReq := d.isRequest
	leftover := make([]byte, d.buf.Len())
	copy(leftover, d.buf.Bytes())
	*d = direction{mode: ExpectStartLine, isRequest: isReq}
	d.buf.Write(leftover)
}

func findHeaderTerminator(b []byte) (idx, sepLen int) {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func splitLines(b []byte) []string {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	return strings.Split(s, "\n")
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

func parseRequestLine(line string, headers Headers) (method, path, host string, err error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", "", "", &DecodeError{Reason: fmt.Sprintf("malformed request line %q", line)}
	}
	return parts[0], parts[1], headers.Get("Host"), nil
}

func parseStatusLine(line string) (code int, text string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", &DecodeError{Reason: fmt.Sprintf("malformed status line %q", line)}
	}
	n, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return 0, "", &DecodeError{Reason: "invalid status code"}
	}
	if len(parts) == 3 {
		text = parts[2]
	}
	return n, text, nil
}

// readCRLFLine reads one line terminated by \r\n or bare \n, without
// consuming it unless a full line is present. Returns ok=false if the
// buffer doesn't yet contain a full line.
func readCRLFLine(buf *bytes.Buffer) (string, bool) {
	b := buf.Bytes()
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return "", false
	}
	line := b[:i]
	line = bytes.TrimSuffix(line, []byte("\r"))
	buf.Next(i + 1)
	return string(line), true
}
