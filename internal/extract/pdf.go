package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfEngine extracts the text layer of a PDF. The basic variant reports an
// empty text layer as an incomplete result (scanned document); the full
// variant treats it as an extraction error, since nothing more can be
// recovered without an image pipeline.
type pdfEngine struct {
	full bool
}

func (e *pdfEngine) Name() string {
	if e.full {
		return "pdf-full"
	}
	return "pdf-basic"
}

func (e *pdfEngine) Extract(_ context.Context, r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read pdf: %w", err)
	}

	pdfReader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("parse pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= pdfReader.NumPage(); i++ {
		p := pdfReader.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		if e.full {
			return Result{}, fmt.Errorf("pdf has no extractable text layer")
		}
		// Likely a scanned document; flag for full processing.
		return Result{Complete: false}, nil
	}
	return Result{Text: text, Complete: true}, nil
}
