package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const articleHTML = `<!doctype html>
<html>
<head>
  <title>Fallback Title</title>
  <meta property="og:title" content="Open Graph Title">
  <meta name="author" content="Ada Lovelace">
  <style>.x { color: red }</style>
</head>
<body>
  <nav><a href="/home">Home</a></nav>
  <article>
    <h1>Analytical   Engines</h1>
    <p>The engine <a href="/notes#g">weaves</a> algebraic patterns.</p>
    <ul><li>Store</li><li><p>Mill</p></li></ul>
    <blockquote><p>Quoted words.</p></blockquote>
    <pre>line one
line two</pre>
    <script>alert("no")</script>
    <a href="https://other.example/ref">Reference</a>
    <a href="/notes">duplicate</a>
    <a href="javascript:void(0)">js</a>
  </article>
  <footer>Copyright</footer>
</body>
</html>`

var retrieved = time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)

func TestExtractText(t *testing.T) {
	t.Parallel()

	res, err := Extract(articleHTML, "https://example.com/engines", Options{RetrievedAt: retrieved})
	require.NoError(t, err)

	require.Equal(t, "Open Graph Title", res.Title)
	require.Equal(t, "Ada Lovelace", res.Author)
	require.Contains(t, res.Content, "Analytical Engines")
	require.Contains(t, res.Content, "The engine weaves algebraic patterns.")
	require.Contains(t, res.Content, "line one\nline two")
	require.NotContains(t, res.Content, "alert")
	require.NotContains(t, res.Content, "Home")
	require.NotContains(t, res.Content, "Copyright")
	require.Equal(t, 1, countOccurrences(res.Content, "Mill"), "nested blocks render once")
	require.Nil(t, res.Links)
	require.Equal(t,
		"Ada Lovelace. Open Graph Title. example.com. Retrieved March 5, 2024. https://example.com/engines",
		res.Citation)
}

func TestExtractDecodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	page := "<html><body><p>caf\xe9 cr\xe8me</p></body></html>"
	res, err := Extract(page, "https://example.com/menu", Options{
		ContentType: "text/html; charset=iso-8859-1",
		RetrievedAt: retrieved,
	})
	require.NoError(t, err)
	require.Contains(t, res.Content, "café crème")
	require.Equal(t, 2, res.WordCount)
}

func TestExtractMarkdownWithLinks(t *testing.T) {
	t.Parallel()

	res, err := Extract(articleHTML, "https://example.com/engines", Options{
		Format:       FormatMarkdown,
		IncludeLinks: true,
		RetrievedAt:  retrieved,
	})
	require.NoError(t, err)

	require.Contains(t, res.Content, "# Analytical Engines")
	require.Contains(t, res.Content, "- Store")
	require.Contains(t, res.Content, "> Quoted words.")
	require.Contains(t, res.Content, "```\nline one\nline two\n```")
	require.Equal(t, []Link{
		{Text: "weaves", URL: "https://example.com/notes"},
		{Text: "Reference", URL: "https://other.example/ref"},
	}, res.Links)
}

func TestExtractWordCountIgnoresFormatting(t *testing.T) {
	t.Parallel()

	text, err := Extract(articleHTML, "https://example.com/", Options{Format: FormatText})
	require.NoError(t, err)
	md, err := Extract(articleHTML, "https://example.com/", Options{Format: FormatMarkdown})
	require.NoError(t, err)
	require.Equal(t, text.WordCount, md.WordCount)
	require.Positive(t, text.WordCount)
}

func TestExtractFallbacks(t *testing.T) {
	t.Parallel()

	res, err := Extract(`<html><body><h1>Only Heading</h1>loose text</body></html>`, "http://plain.test/x", Options{RetrievedAt: retrieved})
	require.NoError(t, err)
	require.Equal(t, "Only Heading", res.Title)
	require.Empty(t, res.Author)
	require.Equal(t, "Only Heading. plain.test. Retrieved March 5, 2024. http://plain.test/x", res.Citation)

	res, err = Extract(`<div>just   some <span>words</span></div>`, "http://plain.test/", Options{})
	require.NoError(t, err)
	require.Equal(t, "just some words", res.Content)
	require.Equal(t, 3, res.WordCount)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatText, f)

	f, err = ParseFormat(" Markdown ")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, f)

	_, err = ParseFormat("pdf")
	require.Error(t, err)
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}
