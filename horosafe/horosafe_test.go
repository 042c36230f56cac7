package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateScheme(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"https://venues.example.com/offer?id=1", true},
		{"http://example.com", true},
		{"javascript:alert(1)", false},
		{"data:text/html,hi", false},
		{"/relative/path", false},
		{"https://", false},
	}
	for _, c := range cases {
		_, err := ValidateScheme(c.url)
		if (err == nil) != c.ok {
			t.Errorf("ValidateScheme(%q): err=%v, want ok=%v", c.url, err, c.ok)
		}
	}
}

func TestValidateURL_PrivateAddresses(t *testing.T) {
	for _, u := range []string{
		"http://127.0.0.1:8080/score",
		"http://10.1.2.3/",
		"http://192.168.0.10/",
		"http://[::1]/",
	} {
		if err := ValidateURL(u); !errors.Is(err, ErrSSRF) {
			t.Errorf("ValidateURL(%q) = %v, want ErrSSRF", u, err)
		}
	}
	if err := ValidateURL("http://8.8.8.8/"); err != nil {
		t.Errorf("public IP rejected: %v", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); err == nil {
		t.Fatal("expected size error")
	}
}
