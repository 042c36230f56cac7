package creative

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		`<b>Rooftop</b> <script>alert(1)</script>bar`: "Rooftop bar",
		"Fish &amp; Chips":                            "Fish & Chips",
		"  many   spaces\n here ":                     "many spaces here",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
	long := strings.Repeat("é", MaxTextLen+10)
	if got := []rune(Sanitize(long)); len(got) != MaxTextLen {
		t.Fatalf("len = %d", len(got))
	}
}

func TestRender(t *testing.T) {
	out, err := Render(Creative{
		ImpressionID: "imp_1",
		AdID:         "a1",
		Placement:    "Sidebar Top",
		Headline:     `Barns & "Lofts"`,
		Body:         "<i>cosy</i>",
		LandingURL:   "https://venue.example/barn?x=1&y=2",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`class="ad ad-sidebar-top"`,
		`data-impression-id="imp_1"`,
		`href="https://venue.example/barn?x=1&amp;y=2"`,
		`rel="sponsored noopener"`,
		`Barns &amp; &#34;Lofts&#34;`,
		`&lt;i&gt;cosy&lt;/i&gt;`,
		`<span class="ad-label">Sponsored</span>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}

func TestRender_UnsafeLanding(t *testing.T) {
	out, err := Render(Creative{AdID: "x", Headline: "h", LandingURL: "javascript:alert(1)"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `href="#"`) || strings.Contains(out, "javascript") {
		t.Fatalf("unsafe href rendered: %s", out)
	}
	if strings.Contains(out, "ad-body") {
		t.Fatal("empty body should be omitted")
	}
}
