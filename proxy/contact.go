package proxy

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipdispatch/dispatch"
)

// ContactRewriter is a reversible transform over "user@host" strings.
// Applying it to a plain "user@host" yields an opaque token; applying
// it to a previously produced token yields the original back. It
// returns the empty string when a token fails to verify.
type ContactRewriter func(s string) string

// contactMarker is appended before encoding so that decoding can verify
// the token round-tripped through the same key.
const contactMarker = "MARKER"

// DefaultContactRewriter returns the built-in rewriter: an XOR cipher
// keyed by the MD5 of all registered legs' "proto:addr:port" strings in
// sorted order, hex-encoded. Any reversible transform may substitute it.
func DefaultContactRewriter(d *dispatch.Dispatcher) ContactRewriter {
	return func(s string) string {
		var keys []string
		for _, l := range d.GetLegs(dispatch.LegCriteria{}) {
			keys = append(keys, string(l.Proto())+":"+l.Addr()+":"+strconv.Itoa(int(l.Port())))
		}
		slices.Sort(keys)
		key := md5.Sum([]byte(strings.Join(keys, ""))) //nolint:gosec

		if isHexToken(s) {
			raw, err := hex.DecodeString(s)
			if err != nil {
				return ""
			}
			plain := string(xorKey(raw, key[:]))
			orig, ok := strings.CutSuffix(plain, contactMarker)
			if !ok {
				return ""
			}
			return orig
		}

		return hex.EncodeToString(xorKey([]byte(s+contactMarker), key[:]))
	}
}

func xorKey(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// isHexToken reports whether s consists solely of an even number of hex
// digits, the shape of a previously rewritten contact.
func isHexToken(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' {
			continue
		}
		return false
	}
	return true
}

// rewriteContacts rewrites every Contact header of the packet. Plain
// "user@host" contacts are replaced by a token at the outgoing leg's
// address, previously rewritten tokens are decoded back to the original
// contact.
func rewriteContacts(pkt dispatch.Packet, outgoing dispatch.Leg, rewrite ContactRewriter) {
	contacts := pkt.HeaderValues("Contact")
	if len(contacts) == 0 {
		return
	}

	changed := false
	for i, contact := range contacts {
		rewritten, ok := rewriteContact(contact, outgoing, rewrite)
		if ok {
			contacts[i] = rewritten
			changed = true
		}
	}
	if changed {
		pkt.SetHeaderValues("Contact", contacts)
	}
}

// rewriteContact rewrites a single Contact value, preserving any
// display name and parameters around the URI.
func rewriteContact(contact string, outgoing dispatch.Leg, rewrite ContactRewriter) (string, bool) {
	uri, pre, post := cutContactURI(contact)

	u, err := dispatch.ParseURI(uri)
	if err != nil || u.Domain == "" {
		return "", false
	}

	var replacement string
	if u.User != "" && isHexToken(u.User) {
		if orig := rewrite(u.User); orig != "" {
			replacement = u.Scheme + ":" + orig
		}
	}
	if replacement == "" {
		userHost := u.User + "@" + u.Domain
		token := rewrite(userHost)
		if token == "" {
			return "", false
		}
		replacement = u.Scheme + ":" + token + "@" +
			outgoing.Addr() + ":" + strconv.Itoa(int(outgoing.Port()))
	}

	return pre + replacement + post, true
}

// cutContactURI extracts the URI portion of a Contact value, returning
// the surrounding text so it can be reassembled.
func cutContactURI(contact string) (uri, pre, post string) {
	if i := strings.IndexByte(contact, '<'); i >= 0 {
		if j := strings.IndexByte(contact[i:], '>'); j >= 0 {
			return contact[i+1 : i+j], contact[:i+1], contact[i+j:]
		}
	}
	// Bare form: the URI runs until the first header parameter.
	if i := strings.IndexByte(contact, ';'); i >= 0 {
		return contact[:i], "", contact[i:]
	}
	return contact, "", ""
}
