// Package registrar answers REGISTER requests locally and keeps the
// resulting address-of-record bindings in SQLite, so registrations
// survive restarts of the proxy.
package registrar

import (
	"database/sql"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	_ "github.com/glebarez/go-sqlite" // pure-Go sqlite driver

	"github.com/ghettovoice/sipdispatch/dispatch"
	"github.com/ghettovoice/sipdispatch/internal/log"
	"github.com/ghettovoice/sipdispatch/message"
)

// DefaultExpires is the binding lifetime applied when a REGISTER names
// none.
const DefaultExpires = 3600 * time.Second

// Binding is one registered contact of an address-of-record.
type Binding struct {
	AOR       string
	Contact   string
	ExpiresAt time.Time
}

// Registrar stores bindings and handles REGISTER requests for the
// stateless proxy.
type Registrar struct {
	db  *sql.DB
	log *slog.Logger
}

// New opens (and if needed initialises) the bindings database.
func New(dataSourceName string, logger *slog.Logger) (*Registrar, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errtrace.Wrap(err)
	}

	const bindingsTable = `
	CREATE TABLE IF NOT EXISTS bindings (
		aor        TEXT NOT NULL,
		contact    TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (aor, contact)
	);
	`
	if _, err := db.Exec(bindingsTable); err != nil {
		db.Close()
		return nil, errtrace.Wrap(err)
	}

	return &Registrar{db: db, log: log.Or(logger)}, nil
}

// Close closes the database.
func (r *Registrar) Close() error {
	return errtrace.Wrap(r.db.Close())
}

// HandleRegister processes a REGISTER request and answers it on the
// receiving leg. It reports true when the request was consumed; a
// request without a usable To URI is left for the proxy to forward.
func (r *Registrar) HandleRegister(p dispatch.Packet, leg dispatch.Leg, from string) bool {
	aor := aorOf(p)
	if aor == "" {
		return false
	}

	now := time.Now()
	expires := DefaultExpires
	if vs := p.HeaderValues("Expires"); len(vs) > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(vs[0])); err == nil {
			expires = time.Duration(n) * time.Second
		}
	}

	code, reason := 200, "OK"
	for _, contact := range p.HeaderValues("Contact") {
		if strings.TrimSpace(contact) == "*" {
			if expires == 0 {
				if err := r.removeAll(aor); err != nil {
					r.log.Warn("binding wipe failed", "aor", aor, "error", err)
					code, reason = 500, "Server Internal Error"
				}
			}
			continue
		}

		uri, exp := splitContact(contact, expires)
		var err error
		if exp <= 0 {
			err = r.remove(aor, uri)
		} else {
			err = r.upsert(aor, uri, now.Add(exp))
		}
		if err != nil {
			r.log.Warn("binding update failed", "aor", aor, "contact", uri, "error", err)
			code, reason = 500, "Server Internal Error"
		}
	}

	res := responseTo(p, code, reason)
	if code == 200 {
		bindings, err := r.Lookup(aor)
		if err == nil {
			contacts := make([]string, 0, len(bindings))
			for _, b := range bindings {
				left := int(time.Until(b.ExpiresAt).Seconds())
				contacts = append(contacts, "<"+b.Contact+">;expires="+strconv.Itoa(left))
			}
			res.SetHeaderValues("Contact", contacts)
		}
	}

	leg.Deliver(res, dispatch.HostPort(from), nil)
	return true
}

// Lookup returns the live bindings of the address-of-record.
func (r *Registrar) Lookup(aor string) ([]Binding, error) {
	rows, err := r.db.Query(
		"SELECT aor, contact, expires_at FROM bindings WHERE aor = ? AND expires_at > ? ORDER BY contact",
		aor, time.Now().Unix())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	defer rows.Close()

	var bindings []Binding
	for rows.Next() {
		var b Binding
		var exp int64
		if err := rows.Scan(&b.AOR, &b.Contact, &exp); err != nil {
			return nil, errtrace.Wrap(err)
		}
		b.ExpiresAt = time.Unix(exp, 0)
		bindings = append(bindings, b)
	}
	return bindings, errtrace.Wrap(rows.Err())
}

// ExpireBindings drops every binding past its expiry.
func (r *Registrar) ExpireBindings(now time.Time) error {
	_, err := r.db.Exec("DELETE FROM bindings WHERE expires_at <= ?", now.Unix())
	return errtrace.Wrap(err)
}

func (r *Registrar) upsert(aor, contact string, expiresAt time.Time) error {
	_, err := r.db.Exec(`
	INSERT INTO bindings (aor, contact, expires_at) VALUES (?, ?, ?)
	ON CONFLICT (aor, contact) DO UPDATE SET expires_at = excluded.expires_at`,
		aor, contact, expiresAt.Unix())
	return errtrace.Wrap(err)
}

func (r *Registrar) remove(aor, contact string) error {
	_, err := r.db.Exec("DELETE FROM bindings WHERE aor = ? AND contact = ?", aor, contact)
	return errtrace.Wrap(err)
}

func (r *Registrar) removeAll(aor string) error {
	_, err := r.db.Exec("DELETE FROM bindings WHERE aor = ?", aor)
	return errtrace.Wrap(err)
}

// aorOf canonicalises the To URI into "user@host".
func aorOf(p dispatch.Packet) string {
	tos := p.HeaderValues("To")
	if len(tos) == 0 {
		return ""
	}
	u, err := dispatch.ParseURI(tos[0])
	if err != nil || u.User == "" {
		return ""
	}
	host := u.Domain
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return u.User + "@" + strings.ToLower(host)
}

// splitContact separates the contact URI from its expires parameter.
func splitContact(contact string, def time.Duration) (uri string, expires time.Duration) {
	expires = def

	rest := contact
	if i := strings.IndexByte(rest, '<'); i >= 0 {
		if j := strings.IndexByte(rest[i:], '>'); j >= 0 {
			uri = rest[i+1 : i+j]
			rest = rest[i+j:]
		}
	}
	if uri == "" {
		uri, rest, _ = strings.Cut(rest, ";")
		rest = ";" + rest
	}

	for p := range strings.SplitSeq(rest, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "expires") {
			if n, err := strconv.Atoi(v); err == nil {
				expires = time.Duration(n) * time.Second
			}
		}
	}
	return strings.TrimSpace(uri), expires
}

// responseTo builds a response mirroring the request's routing headers.
func responseTo(p dispatch.Packet, code int, reason string) dispatch.Packet {
	res := message.NewResponse(code, reason)
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		res.SetHeaderValues(name, p.HeaderValues(name))
	}
	return res
}
