// Package message provides a compact SIP message implementation
// satisfying the dispatch core's packet surface: start line, ordered
// multi-value headers and an opaque body. It does not model the full
// header grammar; list headers are kept as raw values.
package message

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/intuitivelabs/bytescase"

	"github.com/ghettovoice/sipdispatch/internal/errorutil"
)

// ErrMalformed is returned for input that does not parse as a SIP message.
const ErrMalformed errorutil.Error = "malformed message"

const sipVersion = "SIP/2.0"

// headers whose comma-separated values are split into separate entries.
var listHeaders = []string{"Via", "Route", "Record-Route", "Contact"}

type header struct {
	name  string
	value string
}

// Message is a parsed SIP request or response.
type Message struct {
	method  string
	uri     string
	code    int
	reason  string
	headers []header
	body    []byte
}

// NewRequest creates a request message.
func NewRequest(method, uri string) *Message {
	return &Message{method: method, uri: uri}
}

// NewResponse creates a response message.
func NewResponse(code int, reason string) *Message {
	return &Message{code: code, reason: reason}
}

// NewResponseTo creates a response to the request, copying the headers
// a response must mirror: Via, From, To, Call-ID and CSeq.
func NewResponseTo(req *Message, code int, reason string) *Message {
	res := NewResponse(code, reason)
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		res.SetHeaderValues(name, req.HeaderValues(name))
	}
	return res
}

func (m *Message) IsRequest() bool  { return m.code == 0 }
func (m *Message) IsResponse() bool { return m.code != 0 }

func (m *Message) Method() string { return m.method }
func (m *Message) Code() int      { return m.code }
func (m *Message) Reason() string { return m.reason }

func (m *Message) RequestURI() string { return m.uri }

func (m *Message) CSeq() string {
	if vs := m.HeaderValues("CSeq"); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (m *Message) CallID() string {
	if vs := m.HeaderValues("Call-ID"); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// TID returns the transaction id: the branch parameter of the topmost
// Via combined with the CSeq.
func (m *Message) TID() string {
	var branch string
	if vs := m.HeaderValues("Via"); len(vs) > 0 {
		for p := range strings.SplitSeq(vs[0], ";") {
			k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
			if bytescase.CmpEq([]byte(k), []byte("branch")) {
				branch = v
				break
			}
		}
	}
	return branch + "|" + m.CSeq()
}

// HeaderValues returns all values of the named header, topmost first.
func (m *Message) HeaderValues(name string) []string {
	var out []string
	for _, h := range m.headers {
		if bytescase.CmpEq([]byte(h.name), []byte(name)) {
			out = append(out, h.value)
		}
	}
	return out
}

// SetHeaderValues replaces all values of the named header, keeping the
// position of the first occurrence. An empty list removes the header.
func (m *Message) SetHeaderValues(name string, values []string) {
	insert := -1
	kept := make([]header, 0, len(m.headers))
	for _, h := range m.headers {
		if bytescase.CmpEq([]byte(h.name), []byte(name)) {
			if insert < 0 {
				insert = len(kept)
			}
			continue
		}
		kept = append(kept, h)
	}
	if insert < 0 {
		insert = len(kept)
	}

	add := make([]header, 0, len(values))
	for _, v := range values {
		add = append(add, header{name: name, value: v})
	}
	m.headers = slicesInsert(kept, insert, add)
}

func slicesInsert(s []header, at int, add []header) []header {
	out := make([]header, 0, len(s)+len(add))
	out = append(out, s[:at]...)
	out = append(out, add...)
	return append(out, s[at:]...)
}

// AddHeader appends one value of the named header.
func (m *Message) AddHeader(name, value string) {
	m.headers = append(m.headers, header{name: name, value: value})
}

// PrependHeader inserts one value of the named header before all
// existing headers, the way a proxy pushes its own Via.
func (m *Message) PrependHeader(name, value string) {
	m.headers = append([]header{{name: name, value: value}}, m.headers...)
}

// Body returns the raw message body.
func (m *Message) Body() []byte { return m.body }

// SetBody replaces the raw message body.
func (m *Message) SetBody(body []byte) { m.body = body }

// SDP returns the body when the message carries an SDP payload.
func (m *Message) SDP() ([]byte, bool) {
	if len(m.body) == 0 {
		return nil, false
	}
	if vs := m.HeaderValues("Content-Type"); len(vs) > 0 &&
		!bytescase.CmpEq([]byte(strings.TrimSpace(vs[0])), []byte("application/sdp")) {
		return nil, false
	}
	return m.body, true
}

// SetSDP replaces the body with an SDP payload.
func (m *Message) SetSDP(body []byte) {
	m.body = body
	m.SetHeaderValues("Content-Type", []string{"application/sdp"})
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	m2 := *m
	m2.headers = append([]header(nil), m.headers...)
	m2.body = append([]byte(nil), m.body...)
	return &m2
}

// Dump serialises the message to its wire form, fixing up Content-Length.
func (m *Message) Dump() []byte {
	var b bytes.Buffer
	if m.IsRequest() {
		b.WriteString(m.method)
		b.WriteByte(' ')
		b.WriteString(m.uri)
		b.WriteByte(' ')
		b.WriteString(sipVersion)
	} else {
		b.WriteString(sipVersion)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(m.code))
		b.WriteByte(' ')
		b.WriteString(m.reason)
	}
	b.WriteString("\r\n")

	for _, h := range m.headers {
		if bytescase.CmpEq([]byte(h.name), []byte("Content-Length")) {
			continue
		}
		b.WriteString(h.name)
		b.WriteString(": ")
		b.WriteString(h.value)
		b.WriteString("\r\n")
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(m.body)))
	b.WriteString("\r\n\r\n")
	b.Write(m.body)
	return b.Bytes()
}

// Parse parses a wire-form SIP message. Folded header lines are
// unfolded and list headers are split on commas.
func Parse(data []byte) (*Message, error) {
	head, body, _ := cutBody(data)

	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, errtrace.Wrap(ErrMalformed)
	}

	m := new(Message)
	if err := m.parseStartLine(lines[0]); err != nil {
		return nil, errtrace.Wrap(err)
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformed, "header line %q", line))
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if isListHeader(name) {
			for v := range strings.SplitSeq(value, ",") {
				m.headers = append(m.headers, header{name: name, value: strings.TrimSpace(v)})
			}
			continue
		}
		m.headers = append(m.headers, header{name: name, value: value})
	}

	if cl := m.HeaderValues("Content-Length"); len(cl) > 0 {
		n, err := strconv.Atoi(strings.TrimSpace(cl[0]))
		if err != nil || n > len(body) {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformed, "bad content length"))
		}
		body = body[:n]
	}
	m.body = body
	return m, nil
}

func (m *Message) parseStartLine(line string) error {
	if rest, ok := strings.CutPrefix(line, sipVersion+" "); ok {
		codeStr, reason, _ := strings.Cut(rest, " ")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 699 {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrMalformed, "status line %q", line))
		}
		m.code, m.reason = code, reason
		return nil
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || fields[2] != sipVersion {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrMalformed, "request line %q", line))
	}
	m.method, m.uri = fields[0], fields[1]
	return nil
}

func isListHeader(name string) bool {
	for _, lh := range listHeaders {
		if bytescase.CmpEq([]byte(name), []byte(lh)) {
			return true
		}
	}
	return false
}

func cutBody(data []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return data, nil, false
}

// splitLines splits the head on line breaks, unfolding continuation
// lines into their parent.
func splitLines(head []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	var lines []string
	for _, line := range raw {
		if len(lines) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			lines[len(lines)-1] += " " + strings.TrimSpace(line)
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
