package httpserver

import (
	"bufio"
	"fmt"
)

// Response is the status, content type, and body of one HTTP/1.1 response.
// Immutable once constructed.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	408: "Request Timeout",
	422: "Unprocessable Entity",
	500: "Internal Server Error",
}

func textResponse(status int, body string) Response {
	return Response{Status: status, ContentType: "text/plain", Body: []byte(body)}
}

func jsonResponse(status int, body []byte) Response {
	return Response{Status: status, ContentType: "application/json", Body: body}
}

// writeResponse serializes resp onto bw as a full HTTP/1.1 response, including
// Content-Length and Connection: keep-alive so the connection loop can
// pipeline the next request. omitBody suppresses writing the body, for
// HEAD requests aliased to GET.
func writeResponse(bw *bufio.Writer, resp Response, omitBody bool) error {
	status := resp.Status
	text, ok := statusText[status]
	if !ok {
		text = ""
	}

	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, text); err != nil {
		return err
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	if _, err := fmt.Fprintf(bw, "Content-Type: %s\r\n", contentType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", len(resp.Body)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "Connection: keep-alive\r\n\r\n"); err != nil {
		return err
	}
	if !omitBody {
		if _, err := bw.Write(resp.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}
