package api

import (
	"testing"

	"github.com/powersync/sync-service/powersync"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc", "bearer abc"}, // case-sensitive prefix match, per the JWT RFC's exact scheme casing
		{"", ""},
		{"abc.def.ghi", "abc.def.ghi"},
	}
	for _, c := range cases {
		if got := bearerToken(c.header); got != c.want {
			t.Errorf("bearerToken(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestClientRequestInitialPositions(t *testing.T) {
	req := ClientRequest{
		Buckets: []ClientBucketPosition{
			{Bucket: "by_user[\"u1\"]", After: "42"},
			{Bucket: "global", After: ""},
			{Bucket: "malformed", After: "not-a-number"},
		},
	}
	positions := req.initialPositions()
	if got := positions["by_user[\"u1\"]"]; got != powersync.OpID(42) {
		t.Errorf("positions[by_user] = %d, want 42", got)
	}
	if _, ok := positions["global"]; ok {
		t.Errorf("expected no position recorded for an empty After")
	}
	if _, ok := positions["malformed"]; ok {
		t.Errorf("expected no position recorded for a malformed After")
	}
}

func TestClientRequestInitialBuckets(t *testing.T) {
	req := ClientRequest{Buckets: []ClientBucketPosition{{Bucket: "a"}, {Bucket: "b"}}}
	buckets := req.initialBuckets()
	if len(buckets) != 2 || buckets[0].Name != "a" || buckets[1].Name != "b" {
		t.Errorf("initialBuckets() = %+v, want [a b]", buckets)
	}
}
