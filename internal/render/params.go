package render

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/SirClappington/pdfq/internal/domain"
)

// PrintParams maps job options onto Chrome's Page.printToPDF parameters.
// Explicit width or height replaces the named format entirely; a dimension
// left unset falls back to Chrome's own default.
func PrintParams(o domain.Options) *proto.PagePrintToPDF {
	m := o.Margins()
	p := &proto.PagePrintToPDF{
		Landscape:               o.Landscape,
		DisplayHeaderFooter:     o.DisplayHeaderFooter,
		PrintBackground:         o.PrintBackgroundOrDefault(),
		Scale:                   floatPtr(o.ClampedScale()),
		MarginTop:               inches(m.Top, domain.DefaultMarginVertical),
		MarginBottom:            inches(m.Bottom, domain.DefaultMarginVertical),
		MarginLeft:              inches(m.Left, domain.DefaultMarginHorizontal),
		MarginRight:             inches(m.Right, domain.DefaultMarginHorizontal),
		PageRanges:              o.PageRanges,
		HeaderTemplate:          o.HeaderTemplateOrDefault(),
		FooterTemplate:          o.FooterTemplateOrDefault(),
		PreferCSSPageSize:       o.PreferCSSPageSize,
		GenerateTaggedPDF:       o.Tagged,
		GenerateDocumentOutline: o.Outline,
	}

	if o.HasExplicitSize() {
		if o.Width != "" {
			p.PaperWidth = inches(o.Width, "")
		}
		if o.Height != "" {
			p.PaperHeight = inches(o.Height, "")
		}
		return p
	}

	size, ok := domain.PaperSizes[strings.ToLower(o.FormatOrDefault())]
	if !ok {
		size = domain.PaperSizes[strings.ToLower(domain.DefaultFormat)]
	}
	p.PaperWidth = floatPtr(size.Width)
	p.PaperHeight = floatPtr(size.Height)
	return p
}

// inches converts a CSS length, falling back to fallback when v does not
// parse. Options are validated at enqueue time, so the fallback only guards
// rows written by older clients.
func inches(v, fallback string) *float64 {
	if n, err := domain.ParseLength(v); err == nil {
		return floatPtr(n)
	}
	if fallback == "" {
		return nil
	}
	n, _ := domain.ParseLength(fallback)
	return floatPtr(n)
}

func floatPtr(v float64) *float64 {
	return &v
}
