package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/hyperjump/councildocs/internal/models"
)

const (
	docxDefaultBody  = "word/document.xml"
	contentTypesPath = "[Content_Types].xml"
	docxMainType     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var (
	// Paragraph elements; <w:pPr> and friends are excluded by the [ >] guard.
	docxParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	docxText      = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	docxOverride  = regexp.MustCompile(`<Override[^>]*>`)
	docxPartName  = regexp.MustCompile(`PartName="([^"]+)"`)
)

// docxBodyPath resolves the main document part from [Content_Types].xml, falling
// back to word/document.xml. Attribute order inside Override is not fixed.
func docxBodyPath(zr *zip.Reader) string {
	ct, err := readZipFile(zr, contentTypesPath)
	if err != nil {
		return docxDefaultBody
	}
	for _, override := range docxOverride.FindAllString(string(ct), -1) {
		if !strings.Contains(override, `ContentType="`+docxMainType+`"`) {
			continue
		}
		if m := docxPartName.FindStringSubmatch(override); len(m) > 1 {
			return strings.TrimPrefix(m[1], "/")
		}
	}
	return docxDefaultBody
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found", name)
}

// extractDOCX returns the document body as one unpaginated page with one line
// per non-empty paragraph. Runs inside a paragraph are concatenated as-is.
func extractDOCX(content []byte) ([]models.Page, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract DOCX: not a zip: %w", err)
	}
	body, err := readZipFile(zr, docxBodyPath(zr))
	if err != nil {
		return nil, fmt.Errorf("extract DOCX: %w", err)
	}

	var lines []string
	for _, para := range docxParagraph.FindAllString(string(body), -1) {
		var b strings.Builder
		for _, run := range docxText.FindAllStringSubmatch(para, -1) {
			b.WriteString(html.UnescapeString(run[1]))
		}
		if line := strings.TrimSpace(b.String()); line != "" {
			lines = append(lines, line)
		}
	}
	return []models.Page{{Text: strings.Join(lines, "\n")}}, nil
}
