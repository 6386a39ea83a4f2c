package decoder

import (
	"fmt"
	"strings"
	"testing"
)

func feedAll(t *testing.T, c *Conn, isRequest bool, data string) []*Message {
	t.Helper()
	var msgs []*Message
	var err error
	if isRequest {
		msgs, err = c.FeedRequest([]byte(data))
	} else {
		msgs, err = c.FeedResponse([]byte(data))
	}
	if err != nil {
		t.Fatalf("feed error: %v", err)
	}
	return msgs
}

func TestRequestContentLength(t *testing.T) {
	c := NewConn()
	raw := "POST /v1/chat/completions HTTP/1.1\r\n" +
		"Host: api.openai.com\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 13\r\n" +
		"\r\n" +
		`{"model":"x"}`

	msgs := feedAll(t, c, true, raw)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if !m.IsRequest || !m.Complete {
		t.Errorf("message flags = %+v", m)
	}
	if m.Method != "POST" || m.Path != "/v1/chat/completions" {
		t.Errorf("start line = %s %s", m.Method, m.Path)
	}
	if m.Host != "api.openai.com" {
		t.Errorf("host = %q, want api.openai.com", m.Host)
	}
	if string(m.Body) != `{"model":"x"}` {
		t.Errorf("body = %q", m.Body)
	}
}

func TestRequestSplitAcrossChunks(t *testing.T) {
	c := NewConn()
	raw := "POST /v1/messages HTTP/1.1\r\nHost: api.anthropic.com\r\nContent-Length: 11\r\n\r\nhello world"

	// Feed one byte at a time to exercise partial-parse resumption.
	var got []*Message
	for i := 0; i < len(raw); i++ {
		msgs, err := c.FeedRequest([]byte{raw[i]})
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if string(got[0].Body) != "hello world" {
		t.Errorf("body = %q", got[0].Body)
	}
}

func TestChunkedWithExtensionsAndTrailers(t *testing.T) {
	c := NewConn()
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n" +
		"5;foo=bar\r\nHello\r\n" +
		"6\r\n World\r\n" +
		"0\r\n" +
		"X-Trailer: done\r\n" +
		"\r\n"

	msgs := feedAll(t, c, false, raw)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if string(m.Body) != "Hello World" {
		t.Errorf("body = %q, want %q", m.Body, "Hello World")
	}
	if !m.Complete || m.StatusCode != 200 {
		t.Errorf("flags = complete=%v status=%d", m.Complete, m.StatusCode)
	}
}

func TestBareLFTolerance(t *testing.T) {
	c := NewConn()
	raw := "HTTP/1.1 200 OK\nContent-Length: 2\n\nok"
	msgs := feedAll(t, c, false, raw)
	if len(msgs) != 1 || string(msgs[0].Body) != "ok" {
		t.Fatalf("bare-LF message not decoded: %v", msgs)
	}
}

func TestDuplicateContentLengthMismatch(t *testing.T) {
	c := NewConn()
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\nhello"
	_, err := c.FeedResponse([]byte(raw))
	if err == nil {
		t.Fatal("expected decode error for differing duplicate Content-Length")
	}
}

func TestDuplicateContentLengthSameValue(t *testing.T) {
	c := NewConn()
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Length: 5\r\n\r\nhello"
	msgs, err := c.FeedResponse([]byte(raw))
	if err != nil {
		t.Fatalf("same-value duplicate Content-Length should parse: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Body) != "hello" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestHeaderBlockCap(t *testing.T) {
	c := NewConn()
	big := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", MaxHeaderBytes) + "\r\n\r\n"
	_, err := c.FeedRequest([]byte(big))
	if err == nil {
		t.Fatal("expected header-cap decode error")
	}

	// The direction resets; a subsequent well-formed message parses.
	msgs, err := c.FeedRequest([]byte("GET /ok HTTP/1.1\r\nHost: x\r\n\r\n"))
	if err != nil {
		t.Fatalf("post-reset feed error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Path != "/ok" {
		t.Fatalf("post-reset messages = %v", msgs)
	}
}

func TestSSEStreamOpenAIStyle(t *testing.T) {
	c := NewConn()
	head := "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\n\r\n"
	rec1 := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"
	rec2 := "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"
	done := "data: [DONE]\n\n"

	msgs := feedAll(t, c, false, head+rec1)
	if len(msgs) != 1 || !msgs[0].Streaming || msgs[0].Complete {
		t.Fatalf("first delta = %+v", msgs)
	}
	if len(msgs[0].SSEDeltas) != 1 || !strings.Contains(msgs[0].SSEDeltas[0].Data, "Hel") {
		t.Fatalf("delta record = %+v", msgs[0].SSEDeltas)
	}

	msgs = feedAll(t, c, false, rec2)
	if len(msgs) != 1 {
		t.Fatalf("second delta count = %d", len(msgs))
	}

	msgs = feedAll(t, c, false, done)
	// Terminal record delta + final assembled message.
	if len(msgs) != 2 {
		t.Fatalf("terminal messages = %d, want 2", len(msgs))
	}
	final := msgs[1]
	if !final.Complete || !final.Streaming {
		t.Errorf("final flags = %+v", final)
	}
	if !strings.Contains(string(final.Body), "[DONE]") {
		t.Errorf("assembled body missing records: %q", final.Body)
	}
}

func TestSSEOverChunked(t *testing.T) {
	c := NewConn()
	head := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/event-stream\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n"

	chunk := func(payload string) string {
		return fmt.Sprintf("%x\r\n%s\r\n", len(payload), payload)
	}

	rec1 := "event: content_block_delta\ndata: {\"delta\":{\"text\":\"Hel\"}}\n\n"
	rec2 := "event: message_stop\ndata: {}\n\n"

	msgs := feedAll(t, c, false, head+chunk(rec1))
	if len(msgs) != 1 {
		t.Fatalf("delta over chunked = %d messages, want 1", len(msgs))
	}
	if msgs[0].SSEDeltas[0].Event != "content_block_delta" {
		t.Errorf("event = %q", msgs[0].SSEDeltas[0].Event)
	}

	msgs = feedAll(t, c, false, chunk(rec2)+"0\r\n\r\n")
	// message_stop delta, then the assembled complete message at the 0-chunk.
	if len(msgs) != 2 {
		t.Fatalf("terminal chunked messages = %d, want 2", len(msgs))
	}
	if !msgs[1].Complete || !msgs[1].Streaming {
		t.Errorf("final flags = %+v", msgs[1])
	}
}

func TestSSEOverChunkedWithoutContentType(t *testing.T) {
	// Recognized SSE framing in a chunked body with no event-stream header.
	c := NewConn()
	head := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	payload := "data: {\"x\":1}\n\n"
	raw := head + fmt.Sprintf("%x\r\n%s\r\n", len(payload), payload)

	msgs := feedAll(t, c, false, raw)
	if len(msgs) != 1 || !msgs[0].Streaming {
		t.Fatalf("probed SSE framing not detected: %v", msgs)
	}
}

func TestGETHasNoBody(t *testing.T) {
	c := NewConn()
	msgs := feedAll(t, c, true, "GET /api/tags HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if len(msgs) != 1 || !msgs[0].Complete || len(msgs[0].Body) != 0 {
		t.Fatalf("GET message = %+v", msgs)
	}
}

func TestResponseCompleteOnClose(t *testing.T) {
	c := NewConn()
	msgs := feedAll(t, c, false, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"partial\":true}")
	if len(msgs) != 0 {
		t.Fatalf("read-until-close body surfaced early: %v", msgs)
	}

	closed := c.Close()
	if len(closed) != 1 {
		t.Fatalf("Close() messages = %d, want 1", len(closed))
	}
	if string(closed[0].Body) != `{"partial":true}` {
		t.Errorf("closed body = %q", closed[0].Body)
	}
}

func TestPipelinedRequests(t *testing.T) {
	c := NewConn()
	raw := "POST /a HTTP/1.1\r\nHost: h\r\nContent-Length: 1\r\n\r\nx" +
		"POST /b HTTP/1.1\r\nHost: h\r\nContent-Length: 1\r\n\r\ny"
	msgs := feedAll(t, c, true, raw)
	if len(msgs) != 2 {
		t.Fatalf("pipelined messages = %d, want 2", len(msgs))
	}
	if msgs[0].Path != "/a" || msgs[1].Path != "/b" {
		t.Errorf("paths = %s, %s", msgs[0].Path, msgs[1].Path)
	}
}

func TestBoundaryChunkSizes(t *testing.T) {
	for _, n := range []int{0, 1, 16383, 16384, 16385} {
		t.Run(fmt.Sprintf("len_%d", n), func(t *testing.T) {
			c := NewConn()
			body := strings.Repeat("a", n)
			raw := fmt.Sprintf("POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: %d\r\n\r\n%s", n, body)
			// Feed in capture-sized chunks of 16 KiB.
			var got []*Message
			for len(raw) > 0 {
				take := 16384
				if take > len(raw) {
					take = len(raw)
				}
				msgs, err := c.FeedRequest([]byte(raw[:take]))
				if err != nil {
					t.Fatalf("feed: %v", err)
				}
				got = append(got, msgs...)
				raw = raw[take:]
			}
			if len(got) != 1 || len(got[0].Body) != n {
				t.Fatalf("messages = %d, body len = %d, want %d", len(got), len(got[0].Body), n)
			}
		})
	}
}
