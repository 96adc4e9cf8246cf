package studyplan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
	"golang.org/x/net/html"
)

const (
	bodySize   = 11.0
	lineHeight = 6.0
	listIndent = 6.0
	leftMargin = 15.0
)

var headingSizes = map[string]float64{"h1": 18, "h2": 15, "h3": 13, "h4": 12}

type listState struct {
	ordered bool
	n       int
}

// pdfWriter streams HTML tokens into an fpdf document. It understands the
// subset goldmark emits for a plan: headings, paragraphs, lists, emphasis,
// code, rules and line breaks.
type pdfWriter struct {
	pdf    *fpdf.Fpdf
	tr     func(string) string
	size   float64
	bold   int
	italic int
	mono   int
	skip   int // inside head, script or style
	lists  []listState
	fresh  bool // at the start of a block; leading whitespace is dropped
	space  bool // the previous text ended in whitespace
	marker bool // a list marker was just written
}

// RenderPDF lays out an HTML document as an A4 PDF.
func RenderPDF(doc string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(leftMargin, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	w := &pdfWriter{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), size: bodySize, fresh: true}
	w.setFont()

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("tokenize html: %w", err)
			}
			break
		}
		name, _ := z.TagName()
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			w.start(string(name))
		case html.EndTagToken:
			w.end(string(name))
		case html.TextToken:
			w.text(string(z.Text()))
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *pdfWriter) setFont() {
	family := "Helvetica"
	if w.mono > 0 {
		family = "Courier"
	}
	style := ""
	if w.bold > 0 {
		style += "B"
	}
	if w.italic > 0 {
		style += "I"
	}
	w.pdf.SetFont(family, style, w.size)
}

func (w *pdfWriter) newBlock() {
	left, _, _, _ := w.pdf.GetMargins()
	if w.pdf.GetX() > left+0.1 {
		w.pdf.Ln(lineHeight)
	}
	w.fresh = true
	w.space = false
}

// indent moves the left margin to the current list depth. Called at the start of a line.
func (w *pdfWriter) indent() {
	m := leftMargin + float64(len(w.lists))*listIndent
	w.pdf.SetLeftMargin(m)
	w.pdf.SetX(m)
}

func (w *pdfWriter) start(tag string) {
	switch tag {
	case "head", "script", "style":
		w.skip++
	case "h1", "h2", "h3", "h4":
		w.newBlock()
		w.pdf.Ln(2)
		w.size = headingSizes[tag]
		w.bold++
		w.setFont()
	case "p":
		if !w.marker {
			w.newBlock()
		}
	case "ul", "ol":
		w.newBlock()
		w.lists = append(w.lists, listState{ordered: tag == "ol"})
		w.indent()
	case "li":
		w.newBlock()
		if n := len(w.lists); n > 0 {
			l := &w.lists[n-1]
			l.n++
			marker := "• "
			if l.ordered {
				marker = fmt.Sprintf("%d. ", l.n)
			}
			w.pdf.Write(lineHeight, w.tr(marker))
			w.marker = true
		}
	case "strong", "b":
		w.bold++
		w.setFont()
	case "em", "i":
		w.italic++
		w.setFont()
	case "code":
		w.mono++
		w.setFont()
	case "br":
		w.pdf.Ln(lineHeight)
		w.fresh = true
	case "hr":
		w.newBlock()
		y := w.pdf.GetY() + 2
		pageW, _ := w.pdf.GetPageSize()
		left, _, right, _ := w.pdf.GetMargins()
		w.pdf.Line(left, y, pageW-right, y)
		w.pdf.Ln(4)
	}
}

func (w *pdfWriter) end(tag string) {
	switch tag {
	case "head", "script", "style":
		if w.skip > 0 {
			w.skip--
		}
	case "h1", "h2", "h3", "h4":
		w.pdf.Ln(lineHeight + 1)
		w.size = bodySize
		w.bold--
		w.setFont()
		w.fresh = true
	case "p":
		w.pdf.Ln(lineHeight + 1)
		w.fresh = true
	case "ul", "ol":
		if n := len(w.lists); n > 0 {
			w.lists = w.lists[:n-1]
		}
		w.newBlock()
		w.pdf.Ln(1)
		w.indent()
	case "li":
		w.newBlock()
	case "strong", "b":
		w.bold--
		w.setFont()
	case "em", "i":
		w.italic--
		w.setFont()
	case "code":
		w.mono--
		w.setFont()
	}
}

func (w *pdfWriter) text(s string) {
	if w.skip > 0 || s == "" {
		return
	}
	lead := isSpace(s[0])
	trail := isSpace(s[len(s)-1])
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		w.space = !w.fresh
		return
	}
	if !w.fresh && (lead || w.space) {
		s = " " + s
	}
	w.fresh = false
	w.marker = false
	w.space = trail
	w.pdf.Write(lineHeight, w.tr(s))
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
