package dns

import (
	"context"
	"net"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/kurier-mta/kurier/framework/log"
)

// fakeServer answers queries over UDP with whatever the reply function
// puts into the prepared response.
type fakeServer struct {
	udp dns.Server

	// reply fills in the response for q. Returning false drops the
	// query on the floor to simulate a dead server.
	reply func(q dns.Question, m *dns.Msg) bool
}

func startFakeServer(t *testing.T, reply func(dns.Question, *dns.Msg) bool) *fakeServer {
	t.Helper()
	pconn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeServer{reply: reply}
	s.udp.PacketConn = pconn
	s.udp.Handler = s
	go s.udp.ActivateAndServe() //nolint:errcheck
	t.Cleanup(func() { pconn.Close() })
	return s
}

func (s *fakeServer) ServeDNS(w dns.ResponseWriter, m *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(m)
	reply.RecursionAvailable = true
	if !s.reply(m.Question[0], reply) {
		return
	}
	if err := w.WriteMsg(reply); err != nil {
		panic(err)
	}
}

func (s *fakeServer) resolver() ExtResolver {
	addr := s.udp.PacketConn.LocalAddr().(*net.UDPAddr)
	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{Timeout: 500 * time.Millisecond}
	return ExtResolver{
		cl: cl,
		Cfg: &dns.ClientConfig{
			Servers: []string{"127.0.0.1"},
			Port:    strconv.Itoa(addr.Port),
			Timeout: 1,
		},
	}
}

type answerMode int

const (
	answerDrop answerMode = iota
	answerServfail
	answerEmpty
	answerRecords
)

type familyBehavior struct {
	mode answerMode
	ad   bool
}

// addrReplies serves 127.0.0.1 for A and ::1 for AAAA, with the reply
// shape of each family controlled separately.
func addrReplies(a, aaaa familyBehavior) func(dns.Question, *dns.Msg) bool {
	return func(q dns.Question, reply *dns.Msg) bool {
		var b familyBehavior
		switch q.Qtype {
		case dns.TypeA:
			b = a
		case dns.TypeAAAA:
			b = aaaa
		default:
			panic("unexpected qtype " + strconv.Itoa(int(q.Qtype)))
		}

		reply.AuthenticatedData = b.ad
		switch b.mode {
		case answerDrop:
			return false
		case answerServfail:
			reply.Rcode = dns.RcodeServerFailure
		case answerEmpty:
		case answerRecords:
			hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 9999}
			switch q.Qtype {
			case dns.TypeA:
				reply.Answer = append(reply.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("127.0.0.1")})
			case dns.TypeAAAA:
				reply.Answer = append(reply.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("::1")})
			}
		}
		return true
	}
}

func TestExtResolverAuthLookupIPAddr(t *testing.T) {
	// The combined A/AAAA lookup returns best-effort answers and is
	// deliberately conservative about the AD flag when the two answers
	// disagree.

	// Silence the reports about disregarded I/O errors.
	log.DefaultLogger.Out = nil

	v4 := net.ParseIP("127.0.0.1").To4()
	v6 := net.ParseIP("::1")

	ok := func(ad bool) familyBehavior { return familyBehavior{answerRecords, ad} }

	cases := []struct {
		name    string
		a, aaaa familyBehavior
		wantAD  bool
		want    []net.IP
		wantErr bool
	}{
		{name: "both authenticated", a: ok(true), aaaa: ok(true), wantAD: true, want: []net.IP{v6, v4}},
		{name: "only A authenticated", a: ok(true), aaaa: ok(false), wantAD: true, want: []net.IP{v4}},
		{name: "only AAAA authenticated", a: ok(false), aaaa: ok(true), wantAD: false, want: []net.IP{v6, v4}},
		{name: "none authenticated", a: ok(false), aaaa: ok(false), wantAD: false, want: []net.IP{v6, v4}},
		{name: "AAAA timeout", a: ok(true), aaaa: familyBehavior{answerDrop, true}, wantAD: true, want: []net.IP{v4}},
		{name: "AAAA servfail", a: ok(true), aaaa: familyBehavior{answerServfail, true}, wantAD: true, want: []net.IP{v4}},
		{name: "AAAA empty", a: ok(true), aaaa: familyBehavior{answerEmpty, true}, wantAD: true, want: []net.IP{v4}},
		{name: "A empty", a: familyBehavior{answerEmpty, true}, aaaa: ok(true), wantAD: true, want: []net.IP{v6}},
		{name: "both servfail", a: familyBehavior{answerServfail, true}, aaaa: familyBehavior{answerServfail, true}, wantErr: true},

		// The AD flag must not say yes when the A lookup failed,
		// whatever the AAAA answer claimed.
		{name: "A timeout", a: familyBehavior{answerDrop, true}, aaaa: ok(true), wantAD: false, want: []net.IP{v6}},
		{name: "A servfail", a: familyBehavior{answerServfail, true}, aaaa: ok(true), wantAD: false, want: []net.IP{v6}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := startFakeServer(t, addrReplies(tc.a, tc.aaaa))
			res := srv.resolver()

			ad, addrs, err := res.AuthLookupIPAddr(context.Background(), "kurier.test")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, want error: %v", err, tc.wantErr)
			}
			if ad != tc.wantAD {
				t.Errorf("ad = %v, want %v", ad, tc.wantAD)
			}

			var want []net.IPAddr
			for _, ip := range tc.want {
				want = append(want, net.IPAddr{IP: ip})
			}
			if len(addrs) == 0 {
				addrs = nil
			}
			if !reflect.DeepEqual(addrs, want) {
				t.Errorf("addrs = %#v, want %#v", addrs, want)
			}
		})
	}
}

func TestExtResolverLookupMXTTL(t *testing.T) {
	srv := startFakeServer(t, func(q dns.Question, reply *dns.Msg) bool {
		hdr := func(ttl uint32) dns.RR_Header {
			return dns.RR_Header{Name: q.Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: ttl}
		}
		reply.Answer = append(reply.Answer,
			&dns.MX{Hdr: hdr(600), Preference: 10, Mx: "mx1.kurier.test."},
			&dns.MX{Hdr: hdr(300), Preference: 20, Mx: "mx2.kurier.test."},
		)
		return true
	})

	mxs, ttl, err := srv.resolver().LookupMXTTL(context.Background(), "kurier.test")
	if err != nil {
		t.Fatal(err)
	}
	if ttl != 300*time.Second {
		t.Errorf("ttl = %v, want 300s", ttl)
	}
	want := []*net.MX{
		{Host: "mx1.kurier.test.", Pref: 10},
		{Host: "mx2.kurier.test.", Pref: 20},
	}
	if !reflect.DeepEqual(mxs, want) {
		t.Errorf("records = %+v, want %+v", mxs, want)
	}
}

func TestExtResolverLookupMXTTLNXDomain(t *testing.T) {
	srv := startFakeServer(t, func(q dns.Question, reply *dns.Msg) bool {
		reply.Rcode = dns.RcodeNameError
		return true
	})

	_, _, err := srv.resolver().LookupMXTTL(context.Background(), "nonexistent.kurier.test")
	if err == nil {
		t.Fatal("no error for an NXDOMAIN answer")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}
