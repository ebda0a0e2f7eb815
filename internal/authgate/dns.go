package authgate

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// DefaultResolverAddr is the DNS server queried when none is configured.
const DefaultResolverAddr = "1.1.1.1:53"

const maxUDPResponse = 4096

// ErrLookupFailed wraps every DNS transport or protocol failure.
var ErrLookupFailed = errors.New("authorization lookup failed")

// ModelSet is the union of authorized build model identifiers, all lowercase.
type ModelSet map[string]struct{}

// Contains reports whether model is authorized. Matching is case-insensitive
// and ignores surrounding whitespace.
func (s ModelSet) Contains(model string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(model))]
	return ok
}

// Models returns the set contents sorted, for logging and API responses.
func (s ModelSet) Models() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ModelResolver resolves the authorized model set for a domain.
type ModelResolver interface {
	LookupModelSet(ctx context.Context, domain string) (ModelSet, error)
}

// ResolverConfig holds the configuration for a Resolver.
type ResolverConfig struct {
	// Addr is the DNS server address (host:port). Empty means
	// DefaultResolverAddr.
	Addr string

	// Logger is the structured logger. Nil means slog.Default.
	Logger *slog.Logger
}

// Resolver issues TXT queries over UDP, retrying over TCP on truncation, and
// parses the record payload itself. The wire format is one or more
// length-prefixed character strings; malformed trailing bytes end parsing
// rather than failing the whole record.
type Resolver struct {
	addr   string
	logger *slog.Logger
}

// NewResolver creates a Resolver from cfg, filling unset fields with defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Addr == "" {
		cfg.Addr = DefaultResolverAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{addr: cfg.Addr, logger: cfg.Logger}
}

// LookupModelSet queries domain's TXT record and returns the union of its
// comma-separated, trimmed, lowercased tokens. An empty set with a nil error
// means the record exists but names no models.
func (r *Resolver) LookupModelSet(ctx context.Context, domain string) (ModelSet, error) {
	query, id, err := packTXTQuery(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	response, err := r.exchangeUDP(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	set, truncated, err := parseTXTResponse(response, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if truncated {
		r.logger.Debug("authorization response truncated, retrying over tcp",
			slog.String("domain", domain),
		)
		response, err = r.exchangeTCP(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		set, _, err = parseTXTResponse(response, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
	}

	return set, nil
}

func (r *Resolver) exchangeUDP(ctx context.Context, query []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", r.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	applyDeadline(ctx, conn)

	if _, err := conn.Write(query); err != nil {
		return nil, err
	}

	buf := make([]byte, maxUDPResponse)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (r *Resolver) exchangeTCP(ctx context.Context, query []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	applyDeadline(ctx, conn)

	// TCP DNS frames the message with a two-byte length prefix.
	framed := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(framed, uint16(len(query)))
	copy(framed[2:], query)
	if _, err := conn.Write(framed); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	response := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, err
	}
	return response, nil
}

func applyDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
}

func packTXTQuery(domain string) ([]byte, uint16, error) {
	if !strings.HasSuffix(domain, ".") {
		domain += "."
	}
	name, err := dnsmessage.NewName(domain)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid domain %q: %v", domain, err)
	}

	var idBuf [2]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, 0, err
	}
	id := binary.BigEndian.Uint16(idBuf[:])

	msg := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               id,
			RecursionDesired: true,
		},
		Questions: []dnsmessage.Question{{
			Name:  name,
			Type:  dnsmessage.TypeTXT,
			Class: dnsmessage.ClassINET,
		}},
	}

	packed, err := msg.Pack()
	if err != nil {
		return nil, 0, err
	}
	return packed, id, nil
}

// parseTXTResponse walks the answer section and unions the model tokens of
// every TXT record. It reads the raw RDATA so the length-prefixed character
// strings are decoded with the tolerant parser below.
func parseTXTResponse(response []byte, wantID uint16) (ModelSet, bool, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(response)
	if err != nil {
		return nil, false, err
	}
	if hdr.ID != wantID {
		return nil, false, fmt.Errorf("response id %d does not match query id %d", hdr.ID, wantID)
	}
	if hdr.Truncated {
		return nil, true, nil
	}
	if hdr.RCode != dnsmessage.RCodeSuccess {
		return nil, false, fmt.Errorf("dns response code %v", hdr.RCode)
	}
	if err := p.SkipAllQuestions(); err != nil {
		return nil, false, err
	}

	set := make(ModelSet)
	for {
		h, err := p.AnswerHeader()
		if errors.Is(err, dnsmessage.ErrSectionDone) {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if h.Type != dnsmessage.TypeTXT {
			if err := p.SkipAnswer(); err != nil {
				return nil, false, err
			}
			continue
		}

		raw, err := p.UnknownResource()
		if err != nil {
			return nil, false, err
		}
		for _, chunk := range parseCharacterStrings(raw.Data) {
			addModelTokens(set, chunk)
		}
	}
	return set, false, nil
}

// parseCharacterStrings decodes RFC 1035 TXT RDATA: repeated length-prefixed
// strings. A length byte pointing past the end of the data ends parsing;
// everything decoded so far is kept.
func parseCharacterStrings(data []byte) []string {
	var out []string
	for len(data) > 0 {
		n := int(data[0])
		data = data[1:]
		if n > len(data) {
			break
		}
		out = append(out, string(data[:n]))
		data = data[n:]
	}
	return out
}

// addModelTokens splits a character string on commas and unions the trimmed,
// lowercased tokens into set. Empty tokens are dropped.
func addModelTokens(set ModelSet, chunk string) {
	for _, token := range strings.Split(chunk, ",") {
		token = strings.ToLower(strings.TrimSpace(token))
		if token != "" {
			set[token] = struct{}{}
		}
	}
}

var _ ModelResolver = (*Resolver)(nil)
