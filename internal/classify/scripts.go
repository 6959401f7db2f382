// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Script is an embedded script block found in a fragment.
type Script struct {
	// Type is the value of the type attribute, empty for classic scripts.
	Type string
	// Src is the value of the src attribute, if any.
	Src string
	// Body is the inline source.
	Body string
}

// Scripts returns the complete <script> elements in text, ignoring code
// fences and inline code. A script whose closing tag has not arrived yet is
// not returned.
func Scripts(text string) []Script {
	s := StripCode(text)
	if !strings.Contains(strings.ToLower(s), "<script") {
		return nil
	}

	var out []Script
	var cur *Script
	var body strings.Builder

	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return out
		case html.StartTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Script {
				continue
			}
			cur = &Script{}
			for _, a := range tok.Attr {
				switch a.Key {
				case "type":
					cur.Type = a.Val
				case "src":
					cur.Src = a.Val
				}
			}
			body.Reset()
		case html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom == atom.Script {
				sc := Script{}
				for _, a := range tok.Attr {
					if a.Key == "src" {
						sc.Src = a.Val
					}
				}
				out = append(out, sc)
			}
		case html.TextToken:
			if cur != nil {
				body.Write(z.Text())
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if cur != nil && atom.Lookup(name) == atom.Script {
				cur.Body = strings.TrimSpace(body.String())
				out = append(out, *cur)
				cur = nil
			}
		}
	}
}
