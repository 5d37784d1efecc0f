package channel

import (
	"bytes"
	htmltemplate "html/template"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

const highlightStyle = "github"

var highlightFormatter = html.New(html.WithClasses(false), html.TabWidth(4))

// highlightCode renders source as inline-styled HTML for the given language.
// On lexer or formatter failure it falls back to an escaped <pre> block.
func highlightCode(source, language string) htmltemplate.HTML {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get(highlightStyle)
	if style == nil {
		style = styles.Fallback
	}

	it, err := lexer.Tokenise(nil, source)
	if err != nil {
		return plainCode(source)
	}
	var buf bytes.Buffer
	if err := highlightFormatter.Format(&buf, style, it); err != nil {
		return plainCode(source)
	}
	return htmltemplate.HTML(buf.String())
}

func plainCode(source string) htmltemplate.HTML {
	return htmltemplate.HTML("<pre>" + htmltemplate.HTMLEscapeString(source) + "</pre>")
}
