package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{name: "valid", header: "Bearer k1", want: "k1", wantOK: true},
		{name: "padded", header: "  Bearer  k1  ", want: "k1", wantOK: true},
		{name: "empty", header: "", wantOK: false},
		{name: "wrong scheme", header: "Basic abc", wantOK: false},
		{name: "bare token", header: "k1", wantOK: false},
		{name: "empty token", header: "Bearer   ", wantOK: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, ok := BearerToken(r)
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("BearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestKeyring(t *testing.T) {
	ring := make(Keyring)
	ring.Add("k1")
	ring.Add("")

	if len(ring) != 1 {
		t.Fatalf("ring size = %d, want 1 (empty key ignored)", len(ring))
	}
	if !ring.Allow("k1") {
		t.Fatal("Allow(k1) = false")
	}
	if ring.Allow("k2") {
		t.Fatal("Allow(k2) = true")
	}
	if ring.Allow("") {
		t.Fatal("Allow(empty) = true")
	}
}

func TestKeyringAuthenticate(t *testing.T) {
	ring := Keyring{"k1": {}}

	p, ok := ring.Authenticate("k1", SourceHello)
	if !ok || p.APIKey != "k1" || p.Source != SourceHello {
		t.Fatalf("Authenticate(k1) = (%+v, %v)", p, ok)
	}
	if _, ok := ring.Authenticate("nope", SourceHeader); ok {
		t.Fatal("Authenticate(nope) = ok")
	}
}

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{APIKey: "k1", Source: SourceHeader})
	p, ok := PrincipalFrom(ctx)
	if !ok || p.APIKey != "k1" || p.Source != SourceHeader {
		t.Fatalf("PrincipalFrom = (%+v, %v)", p, ok)
	}
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatal("PrincipalFrom(empty ctx) = ok")
	}
}
