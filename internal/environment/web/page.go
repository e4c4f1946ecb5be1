package web

import (
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"OpenMCP-Agent/internal/agent"
)

// 焦点之外的区块及其标题。
var peripheralBlocks = []struct {
	selector string
	title    string
}{
	{"header, [role=banner]", "Header"},
	{"nav, [role=navigation]", "Navigation"},
	{"aside, [role=complementary]", "Sidebar"},
	{"footer, [role=contentinfo]", "Footer"},
}

const maxLinks = 30

// Link 是页面中的一个超链接。
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Page 是解析后的页面快照。
type Page struct {
	URL       string                     `json:"url"`
	Title     string                     `json:"title"`
	Sections  []agent.ObservationSection `json:"sections"`
	Links     []Link                     `json:"links,omitempty"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Observation 转换为编排层的观察。链接列表作为焦点之外的区块附在最后。
func (p *Page) Observation() agent.Observation {
	sections := make([]agent.ObservationSection, 0, len(p.Sections)+2)
	sections = append(sections, agent.ObservationSection{Title: "Page", Text: p.Title + "\n" + p.URL})
	sections = append(sections, p.Sections...)
	if len(p.Links) > 0 {
		var b strings.Builder
		for _, link := range p.Links {
			b.WriteString("- [")
			b.WriteString(link.Text)
			b.WriteString("](")
			b.WriteString(link.URL)
			b.WriteString(")\n")
		}
		sections = append(sections, agent.ObservationSection{Title: "Links", Text: b.String(), OutsideFocus: true})
	}
	return agent.Observation{Sections: sections}
}

// Markdown 返回全部区块的文本，section 非空时只返回标题匹配的区块。
func (p *Page) Markdown(section string) string {
	section = strings.ToLower(strings.TrimSpace(section))
	var b strings.Builder
	for _, s := range p.Sections {
		if section != "" && strings.ToLower(s.Title) != section {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// parsePage 把 HTML 切分为区块并渲染为 markdown。
func parsePage(pageURL *url.URL, html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript, iframe, svg, template").Remove()

	page := &Page{
		URL:       pageURL.String(),
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		FetchedAt: time.Now(),
	}
	if page.Title == "" {
		page.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	var peripheral []agent.ObservationSection
	for _, block := range peripheralBlocks {
		doc.Find(block.selector).Each(func(_ int, s *goquery.Selection) {
			text := renderSelection(s)
			if text != "" {
				peripheral = append(peripheral, agent.ObservationSection{Title: block.title, Text: text, OutsideFocus: true})
			}
			s.Remove()
		})
	}

	content := doc.Find("main, [role=main], article").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	page.Links = collectLinks(pageURL, content)
	if text := renderSelection(content); text != "" {
		page.Sections = append(page.Sections, agent.ObservationSection{Title: "Main", Text: text})
	}
	page.Sections = append(page.Sections, peripheral...)
	return page, nil
}

func renderSelection(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	html, err := goquery.OuterHtml(s)
	if err != nil {
		return strings.TrimSpace(s.Text())
	}
	markdown, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return strings.TrimSpace(s.Text())
	}
	return strings.TrimSpace(markdown)
}

func collectLinks(base *url.URL, s *goquery.Selection) []Link {
	var links []Link
	seen := make(map[string]struct{})
	s.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return true
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		key := abs.String()
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
		text := strings.Join(strings.Fields(a.Text()), " ")
		if text == "" {
			text = key
		}
		links = append(links, Link{Text: text, URL: key})
		return len(links) < maxLinks
	})
	return links
}
