package remote

import "testing"

func TestRequestIDRoundTrip(t *testing.T) {
	id := requestID("lib-a", 42)
	if id != "lib-a#42" {
		t.Fatalf("unexpected id %q", id)
	}
	repo, number, err := parseRequestID(id)
	if err != nil {
		t.Fatalf("parseRequestID() error = %v", err)
	}
	if repo != "lib-a" || number != 42 {
		t.Fatalf("round trip lost data: %s %d", repo, number)
	}
}

func TestParseRequestIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "lib-a", "lib-a#", "lib-a#x", "#7x"} {
		if _, _, err := parseRequestID(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}
