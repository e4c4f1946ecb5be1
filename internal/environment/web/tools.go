package web

import (
	"context"
	"strings"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/tools"
)

const (
	NavigateToolName = "navigate"
	FindTextToolName = "find_text"
	ReadPageToolName = "read_page"

	maxMatches     = 20
	snippetContext = 1
)

// Match 是 find_text 的一条命中。
type Match struct {
	Section string `json:"section"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
}

// NavigateResult 是 navigate 的输出。
type NavigateResult struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Sections []string `json:"sections"`
}

// Tools 返回操作本会话的工具集合。
func (s *Session) Tools() []tools.Tool {
	return []tools.Tool{
		tools.Func{
			ToolName: NavigateToolName,
			Desc:     `Open a web page, absolute or relative to the current page. Arguments: {"url": string}.`,
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				page, err := s.Navigate(ctx, tools.StringArg(args, "url"))
				if err != nil {
					return nil, err
				}
				titles := make([]string, 0, len(page.Sections))
				for _, section := range page.Sections {
					titles = append(titles, section.Title)
				}
				return NavigateResult{URL: page.URL, Title: page.Title, Sections: titles}, nil
			},
		},
		tools.Func{
			ToolName: FindTextToolName,
			Desc:     `Search the current page, including content dropped from the observation. Arguments: {"query": string}.`,
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				return s.FindText(tools.StringArg(args, "query"))
			},
		},
		tools.Func{
			ToolName: ReadPageToolName,
			Desc:     `Return the full text of the current page, optionally a single section such as "Main" or "Navigation". Arguments: {"section": string}.`,
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				return s.ReadPage(tools.StringArg(args, "section"))
			},
		},
	}
}

// FindText 在当前页面的全部区块中按行做大小写不敏感的查找。
func (s *Session) FindText(query string) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空")
	}
	page := s.Current()
	if page == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "尚未打开任何页面")
	}
	needle := strings.ToLower(query)
	matches := []Match{}
	for _, section := range page.Sections {
		lines := strings.Split(section.Text, "\n")
		for i, line := range lines {
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			from := max(0, i-snippetContext)
			to := min(len(lines), i+snippetContext+1)
			matches = append(matches, Match{
				Section: section.Title,
				Line:    i + 1,
				Snippet: strings.TrimSpace(strings.Join(lines[from:to], "\n")),
			})
			if len(matches) >= maxMatches {
				return matches, nil
			}
		}
	}
	return matches, nil
}

// ReadPage 返回当前页面的 markdown 文本。
func (s *Session) ReadPage(section string) (string, error) {
	page := s.Current()
	if page == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "尚未打开任何页面")
	}
	text := page.Markdown(section)
	if text == "" && strings.TrimSpace(section) != "" {
		return "", xerrors.New(xerrors.CodeNotFound, "页面中没有区块 "+section)
	}
	return text, nil
}
