package proxy

import (
	"regexp"
	"strings"
)

// Absolute-path attributes and quoted paths in inline scripts. Protocol
// relative "//" URLs are left alone.
var (
	srcAttrPattern    = regexp.MustCompile(`src="/([^/"][^"]*)"`)
	hrefAttrPattern   = regexp.MustCompile(`href="/([^/"][^"]*)"`)
	scriptPathPattern = regexp.MustCompile(`'/([^/'][^']*)'`)
)

// RewriteRelativePaths rewrites absolute paths in an HTML body to relative
// form, so the document resolves assets against the page URL instead of the
// gateway root.
func RewriteRelativePaths(body []byte) []byte {
	body = srcAttrPattern.ReplaceAll(body, []byte(`src="./$1"`))
	body = hrefAttrPattern.ReplaceAll(body, []byte(`href="./$1"`))
	body = scriptPathPattern.ReplaceAll(body, []byte(`'./$1'`))
	return body
}

// InjectBase inserts a <base href> element right after the first <head>
// occurrence. The trailing slash on href is idempotent.
func InjectBase(body []byte, base string) []byte {
	href := base
	if !strings.HasSuffix(href, "/") {
		href += "/"
	}
	idx := strings.Index(string(body), "<head>")
	if idx < 0 {
		return body
	}
	tag := `<base href="` + href + `" />`
	out := make([]byte, 0, len(body)+len(tag))
	out = append(out, body[:idx+len("<head>")]...)
	out = append(out, tag...)
	out = append(out, body[idx+len("<head>"):]...)
	return out
}
