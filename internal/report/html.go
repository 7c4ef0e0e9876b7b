package report

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/snapverify-project/snapverify/pkg/model"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var (
	pageTemplate = template.Must(template.New("report.html.tmpl").Funcs(template.FuncMap{
		"add": func(a, b int) int { return a + b },
	}).ParseFS(templateFS, "templates/report.html.tmpl"))

	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
)

type shot struct {
	Name string
	URI  template.URL
}

type page struct {
	*model.VerificationResult
	SummaryHTML template.HTML
	Succeeded   int
	Total       int
	Shots       []shot
}

// RenderHTML renders the self-contained HTML report. Screenshots are embedded
// as data URIs; unreadable files are skipped. The summary is rendered as markdown.
func RenderHTML(res *model.VerificationResult, log logr.Logger) ([]byte, error) {
	var sum bytes.Buffer
	if err := markdown.Convert([]byte(res.Summary), &sum); err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}
	p := page{
		VerificationResult: normalize(res),
		SummaryHTML:        template.HTML(sum.String()),
		Succeeded:          res.SuccessCount(),
		Total:              len(res.Actions),
	}
	for _, path := range res.Screenshots {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Info("screenshot not embedded", "path", path, "error", err.Error())
			continue
		}
		p.Shots = append(p.Shots, shot{
			Name: filepath.Base(path),
			URI:  template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(data)),
		})
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}
