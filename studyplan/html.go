package studyplan

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Raw HTML in the markdown is dropped by goldmark's default renderer,
// so model output cannot inject markup into the document.
var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var documentTmpl = template.Must(template.New("doc").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}</body>
</html>
`))

// ToHTML converts a markdown plan into a standalone HTML document.
func ToHTML(markdown, title string) (string, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}

	var doc bytes.Buffer
	err := documentTmpl.Execute(&doc, struct {
		Title string
		Body  template.HTML
	}{title, template.HTML(body.String())})
	if err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	return doc.String(), nil
}
