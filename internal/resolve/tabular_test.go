package resolve

import "testing"

func TestTabularContains(t *testing.T) {
	payload := []byte("CSP Acct Name,Usage\nACME Corp,10\nOther Co,3\n")
	hit, err := tabularContains(payload, "CSP Acct Name", "acme corp")
	if err != nil {
		t.Fatalf("tabularContains: %v", err)
	}
	if !hit {
		t.Fatalf("expected a match")
	}
}

func TestTabularContainsNormalizesValues(t *testing.T) {
	payload := []byte("Usage,CSP Acct Name\n10,\"  ACME Corp \"\n")
	hit, err := tabularContains(payload, "CSP Acct Name", "acme corp")
	if err != nil {
		t.Fatalf("tabularContains: %v", err)
	}
	if !hit {
		t.Fatalf("expected whitespace and case to be normalized away")
	}
}

func TestTabularContainsStripsBOM(t *testing.T) {
	payload := []byte("\ufeffCSP Acct Name,Usage\nACME Corp,10\n")
	hit, err := tabularContains(payload, "CSP Acct Name", "acme corp")
	if err != nil {
		t.Fatalf("tabularContains: %v", err)
	}
	if !hit {
		t.Fatalf("expected the BOM-prefixed header to still expose the column")
	}
}

func TestTabularContainsMissingColumn(t *testing.T) {
	payload := []byte("Customer,Usage\nACME Corp,10\n")
	hit, err := tabularContains(payload, "CSP Acct Name", "acme corp")
	if err != nil {
		t.Fatalf("expected missing column to be a clean non-match, got %v", err)
	}
	if hit {
		t.Fatalf("missing column must never match")
	}
}

func TestTabularContainsShortRows(t *testing.T) {
	payload := []byte("A,B,CSP Acct Name\nonly,two\nx,y,ACME Corp\n")
	hit, err := tabularContains(payload, "CSP Acct Name", "acme corp")
	if err != nil {
		t.Fatalf("tabularContains: %v", err)
	}
	if !hit {
		t.Fatalf("expected rows shorter than the header to be skipped, not fatal")
	}
}

func TestTabularContainsMalformedPayload(t *testing.T) {
	payload := []byte("A,\"unterminated\nrow")
	if _, err := tabularContains(payload, "A", "x"); err == nil {
		t.Fatalf("expected a parse error for malformed payload")
	}
}

func TestNormalizeValue(t *testing.T) {
	if got := normalizeValue("  ACME Corp \t"); got != "acme corp" {
		t.Fatalf("normalizeValue = %q", got)
	}
}
