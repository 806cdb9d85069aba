package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/cvsouth/hap-go/session"
)

const maxRequestLine = 8192
const maxHeaderBytes = 1 << 20
const maxBodyBytes = 1 << 22

// Request is one parsed HTTP/1.1 request, paired with the Session of the
// connection it arrived on. Immutable for the duration of a handler call;
// Session itself is mutable.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers textproto.MIMEHeader
	Body    []byte
	Session *session.Session
	Ctx     context.Context
}

// Header returns the first value of the named header, canonicalized.
func (r *Request) Header(name string) string {
	return r.Headers.Get(name)
}

// readRequest parses one HTTP/1.1 request off br: the request line,
// headers, and a Content-Length-delimited body. Returns io.EOF if the
// connection closed cleanly between requests (no bytes of a new request
// line were read).
func readRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLimitedLine(br, maxRequestLine)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, fmt.Errorf("httpserver: empty request line")
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("httpserver: malformed request line %q", line)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(version, "HTTP/1.") {
		return nil, fmt.Errorf("httpserver: unsupported version %q", version)
	}

	path, query, _ := strings.Cut(target, "?")

	tp := textproto.NewReader(br)
	headers, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("httpserver: read headers: %w", err)
	}

	var body []byte
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("httpserver: bad Content-Length %q", cl)
		}
		if n > maxBodyBytes {
			return nil, fmt.Errorf("httpserver: request body too large (%d bytes)", n)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("httpserver: read body: %w", err)
		}
	}

	return &Request{
		Method:  strings.ToUpper(method),
		Path:    path,
		Query:   query,
		Headers: headers,
		Body:    body,
	}, nil
}

// readLimitedLine reads one CRLF- or LF-terminated line, trimmed, up to
// limit bytes, guarding against a peer that never sends a line terminator.
func readLimitedLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > limit {
			return "", fmt.Errorf("httpserver: request line exceeds %d bytes", limit)
		}
		if !isPrefix {
			break
		}
	}
	return sb.String(), nil
}
