package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// docxEngine reads a DOCX file (ZIP+XML) and extracts paragraph text.
type docxEngine struct{}

func (e *docxEngine) Name() string { return "docx" }

func (e *docxEngine) Extract(_ context.Context, r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read docx: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open docx zip: %w", err)
	}

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Result{}, err
		}
		defer rc.Close()
		text := parseRunXML(rc)
		return Result{Text: text, Complete: true}, nil
	}
	return Result{}, fmt.Errorf("word/document.xml not found in docx")
}

// pptxEngine reads a PPTX file and extracts slide text in slide order.
type pptxEngine struct{}

func (e *pptxEngine) Name() string { return "pptx" }

func (e *pptxEngine) Extract(_ context.Context, r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read pptx: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open pptx zip: %w", err)
	}

	var slides []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, f)
		}
	}
	if len(slides) == 0 {
		return Result{}, fmt.Errorf("no slides found in pptx")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].Name < slides[j].Name })

	var sb strings.Builder
	for _, f := range slides {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		sb.WriteString(parseRunXML(rc))
		sb.WriteString("\n")
		rc.Close()
	}
	return Result{Text: strings.TrimSpace(sb.String()), Complete: true}, nil
}

// parseRunXML collects the character data of <t> text runs, one line per
// paragraph. Works for both WordprocessingML and DrawingML payloads.
func parseRunXML(r io.Reader) string {
	var sb strings.Builder
	decoder := xml.NewDecoder(r)
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "t":
			var content struct {
				Text string `xml:",chardata"`
			}
			if err := decoder.DecodeElement(&content, &se); err == nil {
				sb.WriteString(content.Text)
			}
		case "p":
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// xlsxEngine reads an XLSX file and returns all cell values tab/newline
// separated.
type xlsxEngine struct{}

func (e *xlsxEngine) Name() string { return "xlsx" }

func (e *xlsxEngine) Extract(_ context.Context, r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read xlsx: %w", err)
	}

	xf, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer xf.Close()

	var sb strings.Builder
	for _, sheet := range xf.GetSheetList() {
		rows, err := xf.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return Result{Text: strings.TrimSpace(sb.String()), Complete: true}, nil
}
