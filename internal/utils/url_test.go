package utils

import "testing"

func TestNormalizeURL(t *testing.T) {
	normalized, domain, err := NormalizeURL("https://Example.com/path?utm_source=test&x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if domain != "example.com" {
		t.Fatalf("unexpected domain: %s", domain)
	}
	if normalized != "https://example.com/path?x=1" {
		t.Fatalf("unexpected normalized url: %s", normalized)
	}
}

func TestNormalizeURLKeepsPort(t *testing.T) {
	normalized, domain, err := NormalizeURL("http://127.0.0.1:8080/repos/a/b/commits")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if domain != "127.0.0.1" || normalized != "http://127.0.0.1:8080/repos/a/b/commits" {
		t.Fatalf("unexpected result %s %s", normalized, domain)
	}
}

func TestCacheKeyIgnoresParamOrder(t *testing.T) {
	a, err := CacheKey("github", "https://api.github.com/repos/a/b/commits?per_page=5&page=1#top")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := CacheKey("github", "https://API.github.com/repos/a/b/commits?page=1&per_page=5")
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
	if c, _ := CacheKey("api", "https://api.github.com/repos/a/b/commits?page=1&per_page=5"); c == a {
		t.Fatalf("resource must scope the key")
	}
}
