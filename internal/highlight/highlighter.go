package highlight

import (
	"fmt"
	"path"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
)

// Highlighter splits and tokenizes snapshot files through a Cache.
type Highlighter struct {
	cache        *Cache
	defaultTheme string
}

// NewHighlighter creates a highlighter. An empty default theme uses
// chroma's fallback style.
func NewHighlighter(cache *Cache, defaultTheme string) *Highlighter {
	return &Highlighter{cache: cache, defaultTheme: defaultTheme}
}

// Cache returns the underlying cache.
func (h *Highlighter) Cache() *Cache {
	return h.cache
}

// SplitLines splits content into lines. CRLF is treated as LF and a single
// trailing newline does not produce an extra empty line.
func SplitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

// hasContent reports whether f carries its body. A non-empty file without
// content is unknown, not empty, and must not be cached under its hash.
func hasContent(f *models.SnapshotFile) bool {
	return f.Content != "" || f.Size == 0
}

// Lines returns the file's content split into lines. Identical content is
// only split once. Binary files and files sent without content have no
// lines.
func (h *Highlighter) Lines(f *models.SnapshotFile) []string {
	if f == nil || f.Binary {
		return nil
	}
	if lines, ok := h.cache.GetLines(f.Hash); ok {
		return lines
	}
	if !hasContent(f) {
		return nil
	}
	lines := SplitLines(f.Content)
	h.cache.SetLines(f.Hash, lines)
	return lines
}

// ResolveLanguage returns the canonical lexer name for language, falling
// back to matching the file name. Unknown input resolves to the plain-text
// lexer.
func ResolveLanguage(language, filePath string) string {
	return lexerFor(language, filePath).Config().Name
}

// ResolveTheme returns the canonical style name for theme.
func (h *Highlighter) ResolveTheme(theme string) string {
	if theme == "" {
		theme = h.defaultTheme
	}
	return styleFor(theme).Name
}

func lexerFor(language, filePath string) chroma.Lexer {
	var lexer chroma.Lexer
	if language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil {
		lexer = lexers.Match(path.Base(filePath))
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return lexer
}

func styleFor(theme string) *chroma.Style {
	if theme == "" {
		return styles.Fallback
	}
	return styles.Get(theme)
}

// Tokens returns syntax-highlighted lines for the file under the given theme
// and language. Empty theme and language use the default theme and the
// language implied by the file name. Binary files and files sent without
// content have no tokens.
func (h *Highlighter) Tokens(f *models.SnapshotFile, theme, language string) (Lines, error) {
	if f == nil || f.Binary {
		return nil, nil
	}

	lexer := lexerFor(language, f.Path)
	style := styleFor(h.themeOrDefault(theme))
	key := Key{FileHash: f.Hash, Theme: style.Name, Language: lexer.Config().Name}

	if lines, ok := h.cache.GetTokens(key); ok {
		return lines, nil
	}

	if !hasContent(f) {
		return nil, nil
	}
	lines, err := tokenize(chroma.Coalesce(lexer), style, f.Content)
	if err != nil {
		return nil, fmt.Errorf("tokenize %s: %w", f.Path, err)
	}
	h.cache.SetTokens(key, lines)
	return lines, nil
}

func (h *Highlighter) themeOrDefault(theme string) string {
	if theme == "" {
		return h.defaultTheme
	}
	return theme
}

func tokenize(lexer chroma.Lexer, style *chroma.Style, content string) (Lines, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	it, err := lexer.Tokenise(nil, content)
	if err != nil {
		return nil, err
	}

	var out Lines
	for _, line := range chroma.SplitTokensIntoLines(it.Tokens()) {
		row := make([]protocol.Token, 0, len(line))
		for _, tok := range line {
			value := strings.TrimSuffix(tok.Value, "\n")
			if value == "" {
				continue
			}
			entry := style.Get(tok.Type)
			t := protocol.Token{
				Type:   tok.Type.String(),
				Value:  value,
				Bold:   entry.Bold == chroma.Yes,
				Italic: entry.Italic == chroma.Yes,
			}
			if entry.Colour.IsSet() {
				t.Colour = entry.Colour.String()
			}
			row = append(row, t)
		}
		out = append(out, row)
	}
	return out, nil
}
