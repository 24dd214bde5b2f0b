package warc

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// ErrMalformed reports a structurally invalid record envelope, as
// opposed to a stream that simply ends early.
var ErrMalformed = errors.New("malformed archive record")

// maxRecordBody bounds a single record's declared length so a corrupt
// Content-Length can never drive allocation.
const maxRecordBody = 64 << 20

// Record is one captured HTTP response extracted from a segment.
type Record struct {
	TargetURI   string
	CaptureTime string
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsHTML reports whether the capture carried an HTML content type.
// Non-HTML captures are still yielded so callers can short-circuit.
func (r Record) IsHTML() bool {
	return strings.Contains(strings.ToLower(r.ContentType), "html")
}

// Iterator walks response records in an archive stream. The sequence is
// finite and non-restartable. A truncated or garbled trailing record
// ends the walk without error; earlier records remain valid.
type Iterator struct {
	br      *bufio.Reader
	tp      *textproto.Reader
	done    bool
	yielded int
	err     error
}

// NewIterator wraps a raw or gzip-compressed segment stream. Compressed
// segments are concatenated per-record gzip members; a member chopped
// by the byte cap decodes as far as it goes.
func NewIterator(r io.Reader) *Iterator {
	br := bufio.NewReaderSize(r, 64<<10)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		if gz, gerr := gzip.NewReader(br); gerr == nil {
			br = bufio.NewReaderSize(gz, 64<<10)
		}
	}
	it := &Iterator{br: br}
	it.tp = textproto.NewReader(br)
	return it
}

// Next returns the next response record. It reports false when the
// stream is exhausted, truncated, or structurally broken; Err tells
// those apart.
func (it *Iterator) Next() (Record, bool) {
	if it.done {
		return Record{}, false
	}
	for {
		line, err := it.nonBlankLine()
		if err != nil {
			it.stopRead(err)
			return Record{}, false
		}
		if !strings.HasPrefix(line, "WARC/") {
			it.stopMalformed(fmt.Errorf("bad record marker %q", clip(line)))
			return Record{}, false
		}

		hdr, err := it.tp.ReadMIMEHeader()
		if err != nil {
			it.stopHeader(err)
			return Record{}, false
		}

		length, err := strconv.ParseInt(strings.TrimSpace(hdr.Get("Content-Length")), 10, 64)
		if err != nil || length < 0 || length > maxRecordBody {
			it.stopMalformed(fmt.Errorf("bad content length %q", hdr.Get("Content-Length")))
			return Record{}, false
		}

		if hdr.Get("WARC-Type") != "response" {
			if _, err := io.CopyN(io.Discard, it.br, length); err != nil {
				it.stopRead(err)
				return Record{}, false
			}
			continue
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(it.br, body); err != nil {
			it.stopRead(err)
			return Record{}, false
		}

		status, contentType, payload, ok := splitEmbeddedHTTP(body)
		if !ok {
			// Response record without a readable HTTP block; alignment
			// is intact, so move on to the next envelope.
			continue
		}
		it.yielded++
		return Record{
			TargetURI:   hdr.Get("WARC-Target-URI"),
			CaptureTime: hdr.Get("WARC-Date"),
			StatusCode:  status,
			ContentType: contentType,
			Body:        payload,
		}, true
	}
}

// Err reports a stream that was structurally broken before any record
// could be read, the shape a mis-addressed byte range produces. Clean
// ends, truncation, and garbage after a good record all return nil.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) nonBlankLine() (string, error) {
	for {
		line, err := it.tp.ReadLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

// stopRead ends iteration on a read failure. Short reads are the
// expected shape of a prefix-capped download, and decompressor noise
// past the cap means the same thing, so neither is surfaced.
func (it *Iterator) stopRead(error) {
	it.done = true
}

func (it *Iterator) stopHeader(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		it.stopRead(err)
		return
	}
	it.stopMalformed(err)
}

func (it *Iterator) stopMalformed(err error) {
	it.done = true
	if it.yielded == 0 {
		it.err = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// splitEmbeddedHTTP peels the HTTP status line and header block off a
// response record body, returning the payload behind it.
func splitEmbeddedHTTP(body []byte) (status int, contentType string, payload []byte, ok bool) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(body, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(body, sep)
	}
	if idx < 0 {
		return 0, "", nil, false
	}
	head := body[:idx]
	payload = body[idx+len(sep):]

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "HTTP/") {
		return 0, "", nil, false
	}
	fields := strings.SplitN(lines[0], " ", 3)
	if len(fields) < 2 {
		return 0, "", nil, false
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", nil, false
	}

	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Type") {
			contentType = strings.TrimSpace(value)
			break
		}
	}
	return status, contentType, payload, true
}

func clip(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
