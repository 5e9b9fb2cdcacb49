package dispatch

import (
	"strings"

	"github.com/intuitivelabs/bytescase"
)

// Packet is the parsed SIP message the dispatcher moves around.
// The message implementation lives outside the core; the dispatcher
// only relies on this surface.
type Packet interface {
	IsRequest() bool
	IsResponse() bool

	// Method returns the request method, or the empty string for responses.
	Method() string
	// Code returns the response status code, or 0 for requests.
	Code() int

	// RequestURI returns the request-line URI, or the empty string for responses.
	RequestURI() string

	// CSeq returns the full CSeq value, e.g. "1 INVITE".
	CSeq() string
	CallID() string

	// TID returns the transaction id derived from the topmost Via branch
	// and the CSeq. It correlates requests with responses and serves as
	// the default cancellation key for deliveries.
	TID() string

	// HeaderValues returns all values of the named header, topmost first.
	// The name is matched case-insensitively.
	HeaderValues(name string) []string
	// SetHeaderValues replaces all values of the named header.
	// An empty list removes the header.
	SetHeaderValues(name string, values []string)

	// Dump serialises the message to its wire form.
	Dump() []byte

	// SDP returns the message body when it carries an SDP payload.
	SDP() ([]byte, bool)
	SetSDP(body []byte)
}

// CSeqMethod extracts the method part of the packet's CSeq value.
func CSeqMethod(p Packet) string {
	cseq := p.CSeq()
	if i := strings.LastIndexByte(cseq, ' '); i >= 0 {
		return cseq[i+1:]
	}
	return cseq
}

// MethodIs compares SIP methods case-insensitively.
func MethodIs(method, want string) bool {
	return bytescase.CmpEq([]byte(method), []byte(want))
}
