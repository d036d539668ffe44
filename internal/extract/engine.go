// Package extract turns uploaded files into text content. Engines are
// registered per file type and capability tier; the registry decides which
// engine runs synchronously at upload time and whether its result is final.
package extract

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

// ErrUnsupportedType is returned for file types no engine can handle.
var ErrUnsupportedType = errors.New("unsupported file type")

// Result is the outcome of one extraction run. Complete=false marks a
// known-incomplete extraction (e.g. a scanned PDF on the basic engine) that
// must be redone on a full-capability instance.
type Result struct {
	Text     string
	Complete bool
}

// Engine extracts text from a single file format.
type Engine interface {
	Name() string
	Extract(ctx context.Context, r io.Reader) (Result, error)
}

// Decision is the registry's answer for one (file type, tier) pair. A nil
// Engine with Final=false means the instance cannot extract this type at
// all and the document is queued for the paired full-capability instance.
type Decision struct {
	Engine Engine
	Final  bool
}

// Registry maps file types to extraction decisions for one capability
// tier. Construction is the only mutation; Select is pure and deterministic
// for identical inputs.
type Registry struct {
	tier      kb.Tier
	decisions map[string]Decision
}

// NewRegistry builds the engine registry for the given tier.
func NewRegistry(tier kb.Tier) *Registry {
	r := &Registry{tier: tier, decisions: make(map[string]Decision)}

	text := &textEngine{}
	r.decisions["txt"] = Decision{Engine: text, Final: true}
	r.decisions["md"] = Decision{Engine: text, Final: true}

	if tier == kb.TierLocal {
		r.decisions["pdf"] = Decision{Engine: &pdfEngine{full: true}, Final: true}
		r.decisions["docx"] = Decision{Engine: &docxEngine{}, Final: true}
		r.decisions["pptx"] = Decision{Engine: &pptxEngine{}, Final: true}
		r.decisions["xlsx"] = Decision{Engine: &xlsxEngine{}, Final: true}
		r.decisions["html"] = Decision{Engine: &htmlEngine{}, Final: true}
	} else {
		// Basic tier: PDF text layers only; office formats and HTML are
		// queued for the paired local instance.
		r.decisions["pdf"] = Decision{Engine: &pdfEngine{}, Final: true}
		for _, ft := range []string{"docx", "pptx", "xlsx", "html"} {
			r.decisions[ft] = Decision{Final: false}
		}
	}
	return r
}

// Tier returns the capability tier this registry was built for.
func (r *Registry) Tier() kb.Tier { return r.tier }

// Select returns the extraction decision for a file type.
func (r *Registry) Select(fileType string) (Decision, error) {
	d, ok := r.decisions[fileType]
	if !ok {
		return Decision{}, ErrUnsupportedType
	}
	return d, nil
}

// mimeTypes maps normalized MIME types to file types, for uploads whose
// filename carries no useful extension.
var mimeTypes = map[string]string{
	"text/plain":         "txt",
	"text/markdown":      "md",
	"text/html":          "html",
	"application/pdf":    "pdf",
	"application/msword": "docx",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
}

// FileType derives the canonical file type from a filename and declared
// content type. The extension wins when both are present; returns "" when
// neither identifies a known type.
func FileType(filename, contentType string) string {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")); ext {
	case "txt", "md", "pdf", "docx", "pptx", "xlsx", "html":
		return ext
	case "htm":
		return "html"
	case "markdown":
		return "md"
	}

	mime := strings.SplitN(contentType, ";", 2)[0]
	mime = strings.TrimSpace(strings.ToLower(mime))
	if ft, ok := mimeTypes[mime]; ok {
		return ft
	}
	if strings.HasPrefix(mime, "text/") {
		return "txt"
	}
	return ""
}
