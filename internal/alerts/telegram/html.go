package telegram

import (
	"html"
	"strings"
	"unicode/utf8"
)

// htm is Telegram HTML that is already escaped.
type htm string

func esc(s string) htm { return htm(html.EscapeString(s)) }

func tag(name string, inner htm) htm { return htm("<" + name + ">" + string(inner) + "</" + name + ">") }

func bold(s string) htm   { return tag("b", esc(s)) }
func italic(s string) htm { return tag("i", esc(s)) }

// joinHTML joins the non-blank parts with sep.
func joinHTML(sep string, parts ...htm) htm {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return htm(strings.Join(ss, sep))
}

// truncRunes cuts s to at most n runes, the last being "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
