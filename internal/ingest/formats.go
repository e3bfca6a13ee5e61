package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/lu4p/cat"
	"github.com/xuri/excelize/v2"
)

// pdfText concatenates the plain text of every page, one page per line block.
func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i, err)
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// spreadsheetText renders every sheet as tab-separated rows.
func spreadsheetText(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String()), nil
}

const (
	wordDefaultPart = "word/document.xml"
	wordMainType    = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var (
	wordTextRun = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// Override elements may list PartName and ContentType in either order.
	wordPartByName = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(wordMainType) + `"`)
	wordPartByType = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(wordMainType) + `"[^>]+PartName="([^"]+)"`)
)

// wordText joins the <w:t> runs of the main document part of a .docx.
// lu4p/cat only matches attribute-less paragraphs, so .docx is parsed here.
func wordText(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open DOCX: not a zip: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	part := wordDefaultPart
	if ct, ok := files["[Content_Types].xml"]; ok {
		if data, err := readZipFile(ct); err == nil {
			for _, re := range []*regexp.Regexp{wordPartByName, wordPartByType} {
				if m := re.FindSubmatch(data); len(m) > 1 {
					part = strings.TrimPrefix(string(m[1]), "/")
					break
				}
			}
		}
	}
	f, ok := files[part]
	if !ok {
		return "", fmt.Errorf("open DOCX: %s not found", part)
	}
	doc, err := readZipFile(f)
	if err != nil {
		return "", fmt.Errorf("read DOCX %s: %w", part, err)
	}

	runs := wordTextRun.FindAllSubmatch(doc, -1)
	words := make([]string, 0, len(runs))
	for _, r := range runs {
		if s := strings.TrimSpace(string(r[1])); s != "" {
			words = append(words, s)
		}
	}
	return strings.Join(words, " "), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// catText extracts RTF and ODT through lu4p/cat, which sniffs the format from content.
func catText(path string) (string, error) {
	text, err := cat.File(path)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", path, err)
	}
	return strings.TrimSpace(text), nil
}

// catBytes writes content to a temporary file for lu4p/cat.
func catBytes(content []byte, ext string) (string, error) {
	tmp, err := os.CreateTemp("", "sodan-*"+ext)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return catText(tmp.Name())
}

// plainText returns content as a string, replacing invalid UTF-8 sequences.
func plainText(content []byte) string {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "�")
	}
	return string(content)
}
