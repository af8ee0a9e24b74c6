package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/modcluster/mod-cluster-sub001/internal/mcmp"
)

const userAgent = "ClusterListener/1.0"

// maxBodySize bounds reads of bodies whose length the peer controls
const maxBodySize = 16 << 20

var errBodyTooLarge = errors.New("response body exceeds limit")

// EncodeBody renders the url-encoded request body. JVMRoute comes first
// when the request is scoped to a node.
func EncodeBody(req *mcmp.Request) string {
	var b strings.Builder
	if req.Route() != "" {
		b.WriteString(mcmp.ParamJVMRoute)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(req.Route()))
	}
	for _, p := range req.Parameters() {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// requestHead renders the request line and headers, blank line included
func requestHead(req *mcmp.Request, basePath, hostHeader string, bodyLen int) string {
	var b strings.Builder
	b.WriteString(req.Type().Command())
	b.WriteByte(' ')
	b.WriteString(basePath)
	if req.Wildcard() {
		b.WriteByte('*')
	}
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: " + hostHeader + "\r\n")
	if bodyLen > 0 {
		b.WriteString("Content-Length: " + strconv.Itoa(bodyLen) + "\r\n")
	}
	b.WriteString("User-Agent: " + userAgent + "\r\n")
	b.WriteString("Connection: Keep-Alive\r\n")
	b.WriteString("\r\n")
	return b.String()
}

func writeRequest(w *bufio.Writer, head, body string) error {
	if _, err := w.WriteString(head); err != nil {
		return err
	}
	if body != "" {
		if _, err := w.WriteString(body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// response is a decoded MCMP answer
type response struct {
	status    int
	version   string
	errorType string
	message   string
	close     bool
	body      string
}

// readResponse reads one response. A status line that cannot be parsed
// yields status 500 with no headers; only transport failures are errors.
func readResponse(r *bufio.Reader) (*response, error) {
	resp := &response{status: 500}

	line, err := readLine(r)
	for err == nil && line == "" {
		line, err = readLine(r)
	}
	if err != nil {
		return nil, err
	}

	code, ok := parseStatusLine(line)
	if !ok {
		return resp, nil
	}
	resp.status = code

	contentLength := 0
	chunked := false
	for {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if header == "" {
			break
		}
		name, value, found := strings.Cut(header, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "version":
			resp.version = value
		case "type":
			resp.errorType = value
		case "mess":
			resp.message = value
		case "content-length":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid content-length %q", value)
			}
			contentLength = n
		case "connection":
			resp.close = strings.EqualFold(value, "close")
		case "transfer-encoding":
			chunked = strings.EqualFold(value, "chunked")
		}
	}

	switch {
	case chunked:
		resp.body, err = readChunked(r)
	case contentLength > 0:
		resp.body, err = readFixed(r, contentLength)
	case resp.close:
		resp.body, err = readToEOF(r)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// parseStatusLine finds the numeric token after the first space, skipping
// anything the peer wrote before it.
func parseStatusLine(line string) (int, bool) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimLeft(line[idx+1:], " ")
	token, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(token)
	if err != nil {
		return 0, false
	}
	return code, true
}

// readChunked decodes a chunked body
func readChunked(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := readLine(r)
		if err != nil {
			return "", err
		}
		sizeField, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil || size < 0 {
			return "", fmt.Errorf("invalid chunk size %q", line)
		}
		if size == 0 {
			// trailer section ends with an empty line
			for {
				trailer, err := readLine(r)
				if err != nil {
					return "", err
				}
				if trailer == "" {
					return b.String(), nil
				}
			}
		}
		if int64(b.Len())+size > maxBodySize {
			return "", errBodyTooLarge
		}
		chunk, err := readFixed(r, int(size))
		if err != nil {
			return "", err
		}
		b.WriteString(chunk)
		if _, err := readLine(r); err != nil {
			return "", err
		}
	}
}

func readFixed(r *bufio.Reader, n int) (string, error) {
	if n > maxBodySize {
		return "", errBodyTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readToEOF(r *bufio.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxBodySize {
		return "", errBodyTooLarge
	}
	return string(data), nil
}

// readLine returns one line without its CRLF. A final unterminated line is
// returned with a nil error.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
