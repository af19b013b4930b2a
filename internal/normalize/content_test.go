package normalize

import (
	"strings"
	"testing"
)

const articleBody = "Go 1.24 ships with a rewritten map implementation based on Swiss tables. " +
	"Benchmarks across the standard library show lookups getting noticeably faster while memory use drops for large maps. " +
	"The change is transparent to programs and needs no code changes. " +
	"Iteration order remains randomized and the runtime keeps the same growth semantics that existing code relies on. " +
	"Teams upgrading should still re-run their benchmarks because allocation patterns shift slightly."

func TestVisibleTextDropsBoilerplate(t *testing.T) {
	t.Parallel()

	html := `<html><head><style>body{}</style><script>track()</script></head><body>
<nav>Home | About</nav>
<header>Site header</header>
<article><p>` + articleBody + `</p>
<p>Posted on 2025-03-01 10:30</p>
<p>Read more</p>
<div class="share-buttons">Share on X</div>
<div class="newsletter">Subscribe to our newsletter</div>
</article>
<footer>Copyright</footer>
</body></html>`

	text := VisibleText(html)
	for _, unwanted := range []string{"track()", "Home | About", "Site header", "Share on X", "newsletter", "Copyright", "Read more", "2025-03-01"} {
		if strings.Contains(text, unwanted) {
			t.Fatalf("visible text still contains %q:\n%s", unwanted, text)
		}
	}
	if !strings.Contains(text, "Swiss tables") {
		t.Fatalf("visible text lost the article body:\n%s", text)
	}
}

func TestVisibleTextFallsBackToSafeList(t *testing.T) {
	t.Parallel()

	// The whole article lives in <header>, which only the aggressive list removes.
	html := `<body><header><p>` + articleBody + `</p></header><div class="ads">buy now</div></body>`

	text := VisibleText(html)
	if !strings.Contains(text, "Swiss tables") {
		t.Fatalf("expected safe-list fallback to keep the header body, got %q", text)
	}
	if strings.Contains(text, "buy now") {
		t.Fatalf("safe list should still drop ad slots, got %q", text)
	}
}

func TestContentHashStableAcrossBoilerplate(t *testing.T) {
	t.Parallel()

	a, ok := ContentHash(`<article><p>` + articleBody + `</p><aside>Trending now</aside></article>`)
	if !ok {
		t.Fatal("expected a hash for article a")
	}
	b, ok := ContentHash(`<div><nav>Menu</nav><p>` + articleBody + `</p><p>Continue reading</p></div>`)
	if !ok {
		t.Fatal("expected a hash for article b")
	}
	if a != b {
		t.Fatalf("boilerplate changed the hash: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestContentHashIsCaseSensitive(t *testing.T) {
	t.Parallel()

	lower, _ := ContentHash("<p>hello world</p>")
	upper, _ := ContentHash("<p>Hello World</p>")
	if lower == upper {
		t.Fatal("hash must not fold case")
	}
}

func TestContentHashEmpty(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "<script>x()</script>", "<p>\n\t</p>"} {
		if hash, ok := ContentHash(in); ok || hash != "" {
			t.Fatalf("ContentHash(%q) = %q, %v; want no hash", in, hash, ok)
		}
	}
}

func TestHashTextLargeInputUsesHeadAndTail(t *testing.T) {
	t.Parallel()

	head := strings.Repeat("a", hashHalfBytes)
	tail := strings.Repeat("z", hashHalfBytes)

	one := HashText(head + strings.Repeat("m", 1000) + tail)
	two := HashText(head + strings.Repeat("q", 5000) + tail)
	if one != two {
		t.Fatal("middle of oversized input must not affect the hash")
	}
	if HashText(head+tail) != one {
		t.Fatal("oversized hash should equal hash of head and tail")
	}
}
