package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupported is returned by LoaderFor for file types it cannot read.
var ErrUnsupported = errors.New("unsupported file type")

// Loader reads a file and extracts its text content.
type Loader interface {
	Load(path string) (string, error)
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".csv": true,
	".html": true, ".htm": true, ".xml": true,
	".go": true, ".py": true, ".js": true, ".ts": true,
}

// LoaderFor selects a loader by file extension.
func LoaderFor(path string) (Loader, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		return PDFLoader{}, nil
	case ext == ".docx":
		return DocxLoader{}, nil
	case textExtensions[ext]:
		return TextLoader{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
}

// TextLoader reads plain text files.
type TextLoader struct{}

func (TextLoader) Load(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// PDFLoader extracts the plain text of every page of a PDF.
type PDFLoader struct{}

func (PDFLoader) Load(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for pageIndex := 1; pageIndex <= r.NumPage(); pageIndex++ {
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("failed to extract text from page %d: %w", pageIndex, err)
		}
		buf.WriteString(text)
		// Pages become paragraphs for the splitter.
		buf.WriteString("\n\n")
	}
	return buf.String(), nil
}

// DocxLoader extracts paragraphs from .docx files. Headings are rendered as
// markdown headers so the splitter can cut at them.
type DocxLoader struct{}

func (DocxLoader) Load(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open docx zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return parseDocxXML(rc)
	}
	return "", fmt.Errorf("invalid docx: word/document.xml not found")
}

// parseDocxXML streams the document body and emits one paragraph per <w:p>.
func parseDocxXML(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var result, para strings.Builder
	var style string
	inParagraph, inText := false, false

	for {
		t, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("invalid docx XML: %w", err)
		}

		switch se := t.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "p":
				inParagraph = true
				para.Reset()
				style = ""
			case "pStyle":
				for _, attr := range se.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "t":
				inText = true
			}
		case xml.CharData:
			if inParagraph && inText {
				para.Write(se)
			}
		case xml.EndElement:
			switch se.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := para.String(); inParagraph && strings.TrimSpace(text) != "" {
					result.WriteString(headingPrefix(style) + text + "\n\n")
				}
				inParagraph = false
			}
		}
	}
	return result.String(), nil
}

// headingPrefix maps Word heading styles ("Heading1", "heading 2") to
// markdown header markers.
func headingPrefix(style string) string {
	if !strings.Contains(strings.ToLower(style), "heading") {
		return ""
	}
	switch {
	case strings.Contains(style, "1"):
		return "# "
	case strings.Contains(style, "2"):
		return "## "
	case strings.Contains(style, "3"):
		return "### "
	}
	return ""
}
