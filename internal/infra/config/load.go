package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/aisbus/internal/domain/errs"
)

var yamlLine = regexp.MustCompile(`line (\d+)`)

// ParseError reports a document that could not be read or failed validation.
// Line is zero when the position is unknown.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("bus document")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Line > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(e.Line))
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load decodes and validates a document.
func Load(r io.Reader) (Document, error) {
	return load(r, "")
}

// LoadFile reads the document at path.
func LoadFile(path string) (Document, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	f, err := os.Open(clean) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return Document{}, &ParseError{Path: clean, Err: fmt.Errorf("open: %w", err)}
	}
	defer f.Close()
	return load(f, clean)
}

func load(r io.Reader, path string) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Document{}, &ParseError{Path: path, Err: fmt.Errorf("read: %w", err)}
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, &ParseError{Path: path, Line: lineOf(err), Err: configErr(err)}
	}
	doc.normalise()
	if err := doc.Validate(); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
			return Document{}, pe
		}
		return Document{}, &ParseError{Path: path, Err: err}
	}
	return doc, nil
}

func lineOf(err error) int {
	var typeErr *yaml.TypeError
	msg := err.Error()
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		msg = typeErr.Errors[0]
	}
	m := yamlLine.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func configErr(err error) error {
	return errs.New("config", errs.CodeConfiguration, errs.WithCause(err))
}
