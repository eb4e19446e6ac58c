package converter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Plain converts text-based formats in process.
type Plain struct {
	handlers map[string]func([]byte) (string, error)
}

// NewPlain returns a Plain converter for txt, md, html, csv, json and xml.
func NewPlain() *Plain {
	return &Plain{handlers: map[string]func([]byte) (string, error){
		".txt":  passthrough,
		".md":   passthrough,
		".html": htmlToMarkdown,
		".htm":  htmlToMarkdown,
		".csv":  csvToTable,
		".json": jsonBlock,
		".xml":  fenced("xml"),
	}}
}

// Supports reports whether hint is handled in process.
func (p *Plain) Supports(hint string) bool {
	_, ok := p.handlers[NormalizeHint(hint)]
	return ok
}

// Convert implements Converter.
func (p *Plain) Convert(ctx context.Context, r io.Reader, typeHint, _ string) (string, error) {
	fn, ok := p.handlers[NormalizeHint(typeHint)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, typeHint)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", ErrEmpty
	}
	out, err := fn(data)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmpty
	}
	return out, nil
}

func passthrough(data []byte) (string, error) {
	return string(data), nil
}

func fenced(lang string) func([]byte) (string, error) {
	return func(data []byte) (string, error) {
		return "```" + lang + "\n" + strings.TrimRight(string(data), "\n") + "\n```\n", nil
	}
}

func jsonBlock(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return "", fmt.Errorf("invalid json: %w", err)
	}
	return fenced("json")(buf.Bytes())
}

func csvToTable(data []byte) (string, error) {
	rd := csv.NewReader(bytes.NewReader(data))
	rd.FieldsPerRecord = -1
	rows, err := rd.ReadAll()
	if err != nil {
		return "", fmt.Errorf("invalid csv: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrEmpty
	}

	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(cells) {
				cell = strings.ReplaceAll(strings.TrimSpace(cells[i]), "|", `\|`)
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}

	writeRow(rows[0])
	b.WriteString("|")
	for i := 0; i < width; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return b.String(), nil
}
