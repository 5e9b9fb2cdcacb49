package proxy_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/proxy"
)

func newContactDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()

	d, _, _ := newTestProxyDispatcher(t, []dispatch.Leg{
		newStubLeg(dispatch.ProtoUDP, "10.0.0.1", 5060),
		newStubLeg(dispatch.ProtoTCP, "10.0.0.1", 5060),
	}, nil)
	return d
}

func TestContactRewriter_RoundTrip(t *testing.T) {
	t.Parallel()

	rewrite := proxy.DefaultContactRewriter(newContactDispatcher(t))

	for _, orig := range []string{
		"alice@example.com",
		"bob@10.0.0.5",
		"x@y",
	} {
		token := rewrite(orig)
		if token == "" {
			t.Fatalf("rewrite(%q) = empty token", orig)
		}
		if token == orig {
			t.Fatalf("rewrite(%q) did not transform", orig)
		}
		if strings.ContainsAny(token, "@:") {
			t.Errorf("token %q not an opaque hex string", token)
		}
		if got := rewrite(token); got != orig {
			t.Errorf("rewrite(rewrite(%q)) = %q, want original", orig, got)
		}
	}
}

func TestContactRewriter_RejectsForeignToken(t *testing.T) {
	t.Parallel()

	rewrite := proxy.DefaultContactRewriter(newContactDispatcher(t))

	// Hex-shaped input that was not produced by this rewriter lacks the
	// marker after decoding and must not round-trip to garbage.
	if got := rewrite("deadbeefdeadbeef"); got != "" {
		t.Errorf("rewrite(foreign token) = %q, want empty", got)
	}
}

func TestContactRewriter_KeyTracksLegs(t *testing.T) {
	t.Parallel()

	d1 := newContactDispatcher(t)
	d2, _, _ := newTestProxyDispatcher(t, []dispatch.Leg{
		newStubLeg(dispatch.ProtoUDP, "10.9.9.9", 5060),
	}, nil)

	token := proxy.DefaultContactRewriter(d1)("alice@example.com")
	if got := proxy.DefaultContactRewriter(d2)(token); got != "" {
		t.Errorf("token decoded under a different leg set: %q", got)
	}
}
