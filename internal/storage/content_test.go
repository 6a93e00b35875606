package storage

import "testing"

func TestContentEncodeDecode(t *testing.T) {
	inline := InlineContent("<p>hello</p>")
	if inline.IsExternal() {
		t.Error("inline content reported external")
	}
	if got := inline.Encode(); got != "<p>hello</p>" {
		t.Errorf("inline Encode = %q", got)
	}

	external := ExternalContent("https://cdn.example/tickets/1/a.html")
	if !external.IsExternal() {
		t.Error("external content not reported external")
	}
	want := "[MIGRATED_TO_S3] Content moved to S3: https://cdn.example/tickets/1/a.html"
	if got := external.Encode(); got != want {
		t.Errorf("external Encode = %q, want %q", got, want)
	}
}

func TestDecodeContentRoundTrip(t *testing.T) {
	cases := []struct {
		raw      string
		external bool
		value    string
	}{
		{"<p>plain</p>", false, "<p>plain</p>"},
		{"[MIGRATED_TO_S3] Content moved to S3: https://cdn.example/x.html", true, "https://cdn.example/x.html"},
		{"[MIGRATED_TO_S3] Content moved to S3:  https://cdn.example/x.html ", true, "https://cdn.example/x.html"},
		{"", false, ""},
		// Sentinel text inside the body, not at the start, stays inline.
		{"quoting [MIGRATED_TO_S3] Content moved to S3: nothing", false, "quoting [MIGRATED_TO_S3] Content moved to S3: nothing"},
	}
	for _, tc := range cases {
		c := DecodeContent(tc.raw)
		if c.IsExternal() != tc.external {
			t.Errorf("DecodeContent(%q).IsExternal = %v", tc.raw, c.IsExternal())
			continue
		}
		got := c.Inline
		if tc.external {
			got = c.ExternalURL
		}
		if got != tc.value {
			t.Errorf("DecodeContent(%q) = %q, want %q", tc.raw, got, tc.value)
		}
	}
}
