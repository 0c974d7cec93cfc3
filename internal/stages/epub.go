package stages

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/xuan1250/transfer2read/internal/types"
)

// book is the in-memory representation handed to the container writer.
type book struct {
	ID       string
	Title    string
	Chapters []chapter
}

type chapter struct {
	Title  string
	Blocks []types.ContentBlock
}

// writeEPUB packages the book as an EPUB container: a zip with a stored
// mimetype entry first, the OCF container descriptor, the OPF manifest,
// and one XHTML file per chapter.
func writeEPUB(b *book) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// The mimetype entry must be first and uncompressed.
	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, err
	}
	if _, err := mt.Write([]byte("application/epub+zip")); err != nil {
		return nil, err
	}

	files := map[string]string{
		"META-INF/container.xml": containerXML,
		"OEBPS/content.opf":      packageOPF(b),
		"OEBPS/nav.xhtml":        navXHTML(b),
	}
	for i, ch := range b.Chapters {
		files[chapterPath(i)] = chapterXHTML(ch)
	}

	// Deterministic entry order keeps repeated Generate runs
	// byte-identical for the same inputs.
	for _, name := range orderedNames(b) {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func orderedNames(b *book) []string {
	names := []string{"META-INF/container.xml", "OEBPS/content.opf", "OEBPS/nav.xhtml"}
	for i := range b.Chapters {
		names = append(names, chapterPath(i))
	}
	return names
}

func chapterPath(i int) string {
	return fmt.Sprintf("OEBPS/chapter_%03d.xhtml", i+1)
}

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

func packageOPF(b *book) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
`)
	fmt.Fprintf(&sb, "    <dc:identifier id=\"id\">urn:uuid:%s</dc:identifier>\n", html.EscapeString(b.ID))
	fmt.Fprintf(&sb, "    <dc:title>%s</dc:title>\n", html.EscapeString(b.Title))
	sb.WriteString("    <dc:language>en</dc:language>\n  </metadata>\n  <manifest>\n")
	sb.WriteString("    <item id=\"nav\" href=\"nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	for i := range b.Chapters {
		fmt.Fprintf(&sb, "    <item id=\"ch%d\" href=\"chapter_%03d.xhtml\" media-type=\"application/xhtml+xml\"/>\n", i+1, i+1)
	}
	sb.WriteString("  </manifest>\n  <spine>\n")
	for i := range b.Chapters {
		fmt.Fprintf(&sb, "    <itemref idref=\"ch%d\"/>\n", i+1)
	}
	sb.WriteString("  </spine>\n</package>\n")
	return sb.String()
}

func navXHTML(b *book) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>Contents</title></head>
<body><nav epub:type="toc"><ol>
`)
	for i, ch := range b.Chapters {
		fmt.Fprintf(&sb, "<li><a href=\"chapter_%03d.xhtml\">%s</a></li>\n", i+1, html.EscapeString(ch.Title))
	}
	sb.WriteString("</ol></nav></body></html>\n")
	return sb.String()
}

func chapterXHTML(ch chapter) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>` + html.EscapeString(ch.Title) + `</title></head>
<body>
`)
	for _, block := range ch.Blocks {
		text := html.EscapeString(block.Text)
		switch block.Kind {
		case types.ElementHeading:
			sb.WriteString("<h2>" + text + "</h2>\n")
		case types.ElementTable:
			sb.WriteString("<pre class=\"table\">" + text + "</pre>\n")
		case types.ElementEquation:
			sb.WriteString("<pre class=\"equation\">" + text + "</pre>\n")
		case types.ElementImage:
			sb.WriteString("<p class=\"figure\">" + text + "</p>\n")
		default:
			sb.WriteString("<p>" + text + "</p>\n")
		}
	}
	sb.WriteString("</body></html>\n")
	return sb.String()
}
