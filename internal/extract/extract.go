// Package extract turns fetched HTML into readable text or markdown with citation
// metadata.
package extract

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// Format selects the content rendering.
type Format string

// Supported formats.
const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

const (
	blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th, dt, dd, figcaption"
	noiseSelector = "script, style, noscript, template, iframe, svg, nav, footer, aside, form"
)

// Options tune extraction.
type Options struct {
	Format       Format
	IncludeLinks bool
	// ContentType is the page's Content-Type header. Its charset decodes html;
	// without one the encoding is sniffed from the document.
	ContentType string
	// RetrievedAt dates the citation; zero means now.
	RetrievedAt time.Time
}

// Link is an absolute hyperlink found in the content.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Result is the extracted view of a page.
type Result struct {
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Content   string `json:"content"`
	WordCount int    `json:"wordCount"`
	Citation  string `json:"citation"`
	Links     []Link `json:"links,omitempty"`
}

// ParseFormat validates a user-supplied format name. Empty means text.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatText:
		return FormatText, nil
	case FormatMarkdown:
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported format %q", raw)
	}
}

// Extract parses html fetched from pageURL.
func Extract(html, pageURL string, opts Options) (Result, error) {
	decoded, err := charset.NewReader(strings.NewReader(html), opts.ContentType)
	if err != nil {
		return Result{}, fmt.Errorf("decode html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(decoded)
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse page url: %w", err)
	}
	if opts.Format == "" {
		opts.Format = FormatText
	}
	if opts.RetrievedAt.IsZero() {
		opts.RetrievedAt = time.Now()
	}

	res := Result{
		Title:  findTitle(doc),
		Author: findAuthor(doc),
	}

	root := contentRoot(doc)
	root.Find(noiseSelector).Remove()

	plain := renderBlocks(root, FormatText)
	res.WordCount = len(strings.Fields(plain))
	if opts.Format == FormatMarkdown {
		res.Content = renderBlocks(root, FormatMarkdown)
		if res.Title != "" && !strings.HasPrefix(res.Content, "# ") {
			res.Content = "# " + res.Title + "\n\n" + res.Content
		}
	} else {
		res.Content = plain
	}
	if opts.IncludeLinks {
		res.Links = collectLinks(root, base)
	}
	res.Citation = citation(res.Author, res.Title, base, opts.RetrievedAt)
	return res, nil
}

func findTitle(doc *goquery.Document) string {
	if og, ok := doc.Find("meta[property='og:title']").First().Attr("content"); ok && strings.TrimSpace(og) != "" {
		return collapse(og)
	}
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return collapse(doc.Find("h1").First().Text())
}

func findAuthor(doc *goquery.Document) string {
	for _, sel := range []string{"meta[name='author']", "meta[property='article:author']", "meta[name='byl']"} {
		if author, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(author) != "" {
			return collapse(author)
		}
	}
	return collapse(doc.Find("[rel='author'], .author, .byline").First().Text())
}

func contentRoot(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"main", "article", "[role='main']", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}

// renderBlocks emits one line group per outermost block element, falling back to the
// root's text when the markup has no recognizable blocks.
func renderBlocks(root *goquery.Selection, format Format) string {
	var parts []string
	root.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		if part := renderBlock(s, format); part != "" {
			parts = append(parts, part)
		}
	})
	if len(parts) == 0 {
		return collapse(root.Text())
	}
	return strings.Join(parts, "\n\n")
}

func renderBlock(s *goquery.Selection, format Format) string {
	name := goquery.NodeName(s)
	if name == "pre" {
		text := strings.Trim(s.Text(), "\n")
		if format == FormatMarkdown && text != "" {
			return "```\n" + text + "\n```"
		}
		return text
	}

	text := collapse(s.Text())
	if text == "" || format != FormatMarkdown {
		return text
	}
	switch name {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return strings.Repeat("#", int(name[1]-'0')) + " " + text
	case "li", "dd":
		return "- " + text
	case "blockquote":
		return "> " + text
	default:
		return text
	}
}

func collectLinks(root *goquery.Selection, base *url.URL) []Link {
	seen := make(map[string]struct{})
	var links []Link
	root.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		links = append(links, Link{Text: collapse(s.Text()), URL: key})
	})
	return links
}

func citation(author, title string, base *url.URL, retrieved time.Time) string {
	parts := make([]string, 0, 5)
	if author != "" {
		parts = append(parts, author)
	}
	if title != "" {
		parts = append(parts, title)
	}
	if host := base.Hostname(); host != "" {
		parts = append(parts, host)
	}
	parts = append(parts, "Retrieved "+retrieved.Format("January 2, 2006"))
	return strings.Join(parts, ". ") + ". " + base.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
