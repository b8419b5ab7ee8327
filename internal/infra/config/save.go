package config

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Save encodes doc as YAML.
func Save(w io.Writer, doc Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode bus document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode bus document: %w", err)
	}
	return nil
}

// SaveFile validates doc and atomically replaces the file at path.
func SaveFile(path string, doc Document) error {
	doc.normalise()
	if err := doc.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Save(&buf, doc); err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending bus document: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write bus document: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace bus document: %w", err)
	}
	return nil
}
