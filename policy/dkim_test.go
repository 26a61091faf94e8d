package policy

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net"
	"reflect"
	"sort"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/go-mockdns"

	"github.com/kurier-mta/kurier/internal/testutils"
)

func TestAddDKIMHeaderSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	p := AddDKIMHeader{
		Keys: map[string]DomainKey{
			"kurier.test": {Selector: "default", Signer: priv},
		},
		Log: testutils.Logger(t, "add_dkim"),
	}

	e := testEnvelope(t, "sender@kurier.test", "rcpt@example.org")
	if _, err := p.Apply(e); err != nil {
		t.Fatal(err)
	}
	if !e.Header.Has("DKIM-Signature") {
		t.Fatal("no DKIM-Signature header")
	}

	// dkim.Verify does not allow to override its lookup routine, so we
	// have to hijack the global resolver object.
	dnsRecord := "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)
	srv, err := mockdns.NewServer(map[string]mockdns.Zone{
		"default._domainkey.kurier.test.": {
			TXT: []string{dnsRecord},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.PatchNet(net.DefaultResolver)
	defer mockdns.UnpatchNet(net.DefaultResolver)

	fullMsg := bytes.Buffer{}
	if err := e.Flatten(&fullMsg); err != nil {
		t.Fatal(err)
	}

	v, err := dkim.Verify(bytes.NewReader(fullMsg.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 {
		t.Fatalf("expected exactly one verification, got %d", len(v))
	}
	if v[0].Err != nil {
		t.Fatal("verification error:", v[0].Err)
	}
	if v[0].Domain != "kurier.test" {
		t.Errorf("verification domain: got %q", v[0].Domain)
	}
}

func TestAddDKIMHeaderNoKeyForDomain(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	p := AddDKIMHeader{
		Keys: map[string]DomainKey{
			"kurier.test": {Selector: "default", Signer: priv},
		},
		Log: testutils.Logger(t, "add_dkim"),
	}

	e := testEnvelope(t, "sender@other.test", "rcpt@example.org")
	if _, err := p.Apply(e); err != nil {
		t.Fatal(err)
	}
	if e.Header.Has("DKIM-Signature") {
		t.Error("message from a foreign domain was signed")
	}
}

func TestAddDKIMHeaderNullSender(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	p := AddDKIMHeader{
		Keys: map[string]DomainKey{
			"kurier.test": {Selector: "default", Signer: priv},
		},
		Log: testutils.Logger(t, "add_dkim"),
	}

	e := testEnvelope(t, "", "rcpt@example.org")
	if _, err := p.Apply(e); err != nil {
		t.Fatal(err)
	}
	if e.Header.Has("DKIM-Signature") {
		t.Error("bounce with the null sender was signed")
	}
}

func TestFieldsToSign(t *testing.T) {
	h := textproto.Header{}
	h.Add("Subject", "a")
	h.Add("subject", "b")
	h.Add("List-Id", "c")
	h.Add("X-Unlisted", "d")

	p := AddDKIMHeader{
		// From is absent from the header but oversigned, so it still
		// gets its guard entry. Field name matching ignores case.
		OversignHeaders: []string{"Subject", "From"},
		SignHeaders:     []string{"List-Id", "subject"},
	}
	fields := p.fieldsToSign(&h)
	sort.Strings(fields)

	want := []string{"From", "List-Id", "Subject", "Subject", "Subject"}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("wrong h= field set\nwant: %v\ngot:  %v", want, fields)
	}
}
