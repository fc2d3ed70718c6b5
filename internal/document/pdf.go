// Package document reads page counts and page text from PDF files.
package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrPageOutOfRange is returned for page numbers outside 1..PageCount.
var ErrPageOutOfRange = errors.New("page out of range")

// Reader opens PDFs from the local filesystem. The zero value is ready to use.
type Reader struct{}

// Info describes a PDF on disk.
type Info struct {
	Path      string
	Title     string
	PageCount int
}

// Inspect validates that path is a readable PDF and returns its page count.
// Title defaults to the file name without extension.
func (Reader) Inspect(path string) (Info, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Info{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	f, r, err := pdf.Open(abs)
	if err != nil {
		return Info{}, fmt.Errorf("opening pdf %s: %w", abs, err)
	}
	defer f.Close()

	base := filepath.Base(abs)
	return Info{
		Path:      abs,
		Title:     strings.TrimSuffix(base, filepath.Ext(base)),
		PageCount: r.NumPage(),
	}, nil
}

// PageText returns the plain text of a 1-based page.
func (Reader) PageText(path string, page int) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	return pageText(r, page)
}

// PageTexts returns the plain text of every page in order, opening the file once.
func (Reader) PageTexts(path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	texts := make([]string, r.NumPage())
	for i := range texts {
		if texts[i], err = pageText(r, i+1); err != nil {
			return nil, err
		}
	}
	return texts, nil
}

func pageText(r *pdf.Reader, page int) (string, error) {
	if page < 1 || page > r.NumPage() {
		return "", fmt.Errorf("page %d of %d: %w", page, r.NumPage(), ErrPageOutOfRange)
	}
	p := r.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extracting text from page %d: %w", page, err)
	}
	return strings.TrimSpace(text), nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
