package azure

import (
	"context"
	"encoding/base64"
	"net/url"
	"testing"
	"time"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("feedgate-test-shared-key"))
	return NewFactory(Config{
		AccountKeys: map[string]string{"devacct": key},
	}, nil)
}

func TestFactoryReusesDirectoryPerAccount(t *testing.T) {
	f := testFactory(t)
	first, err := f.Directory(context.Background(), "devacct")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	second, err := f.Directory(context.Background(), "devacct")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same handle for repeated account lookups")
	}
}

func TestFactoryRequiresAccount(t *testing.T) {
	f := testFactory(t)
	if _, err := f.Directory(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for blank account")
	}
}

func TestIssueLinkScopeAndExpiry(t *testing.T) {
	f := testFactory(t)
	dir, err := f.Directory(context.Background(), "devacct")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	ttl := 15 * time.Minute
	before := time.Now().UTC()
	link, err := dir.IssueLink(context.Background(), "reports", "acme01 lic.csv", ttl)
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Host != "devacct.blob.core.windows.net" {
		t.Fatalf("unexpected host: %s", u.Host)
	}
	if got := u.EscapedPath(); got != "/reports/acme01%20lic.csv" {
		t.Fatalf("unexpected path: %s", got)
	}
	q := u.Query()
	if q.Get("sig") == "" {
		t.Fatalf("expected signature query parameter")
	}
	if q.Get("sp") != "r" {
		t.Fatalf("expected read-only permissions, got %q", q.Get("sp"))
	}
	expiry, err := time.Parse("2006-01-02T15:04:05Z", q.Get("se"))
	if err != nil {
		t.Fatalf("parse expiry %q: %v", q.Get("se"), err)
	}
	// SAS times are truncated to whole seconds, so allow one second of slack.
	if expiry.After(before.Add(ttl + time.Second)) {
		t.Fatalf("expiry %s exceeds issue time + ttl", expiry)
	}
	if !expiry.After(before) {
		t.Fatalf("expiry %s not in the future", expiry)
	}
}

func TestIssueLinkDefaultsTTL(t *testing.T) {
	f := testFactory(t)
	dir, err := f.Directory(context.Background(), "devacct")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	link, err := dir.IssueLink(context.Background(), "reports", "latest.csv", 0)
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	expiry, err := time.Parse("2006-01-02T15:04:05Z", u.Query().Get("se"))
	if err != nil {
		t.Fatalf("parse expiry: %v", err)
	}
	if expiry.After(time.Now().UTC().Add(DefaultLinkTTL + time.Minute)) {
		t.Fatalf("default ttl expiry too far out: %s", expiry)
	}
}

func TestEscapeObjectPath(t *testing.T) {
	cases := map[string]string{
		"plain.csv":            "plain.csv",
		"dir/sub/file.csv":     "dir/sub/file.csv",
		"/leading/slash.csv":   "leading/slash.csv",
		"with space/a b.csv":   "with%20space/a%20b.csv",
		"percent%name/x#y.csv": "percent%25name/x%23y.csv",
	}
	for in, want := range cases {
		if got := escapeObjectPath(in); got != want {
			t.Fatalf("escapeObjectPath(%q) = %q, want %q", in, got, want)
		}
	}
}
