package model

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelim = "---"

// RenderFrontmatter serializes header as a YAML frontmatter block followed
// by body, matching the "YAML header + free-form body" text-file format
// every persisted entity uses (§3).
func RenderFrontmatter(header interface{}, body string) ([]byte, error) {
	data, err := yaml.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.WriteByte('\n')
	buf.Write(data)
	buf.WriteString(frontmatterDelim)
	buf.WriteByte('\n')
	if body != "" {
		buf.WriteByte('\n')
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// ParseFrontmatter splits data into its YAML header and markdown body and
// unmarshals the header into out. It returns an error if the document does
// not begin with a "---" delimited block.
func ParseFrontmatter(data []byte, out interface{}) (body string, err error) {
	text := string(data)
	if !strings.HasPrefix(text, frontmatterDelim) {
		return "", fmt.Errorf("missing frontmatter delimiter")
	}

	rest := text[len(frontmatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end == -1 {
		return "", fmt.Errorf("unterminated frontmatter block")
	}

	header := rest[:end]
	body = strings.TrimPrefix(rest[end+len("\n"+frontmatterDelim):], "\n")
	// Drop the blank separator line RenderFrontmatter writes before a body.
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimSuffix(body, "\n")

	if err := yaml.Unmarshal([]byte(header), out); err != nil {
		return "", fmt.Errorf("parsing frontmatter: %w", err)
	}
	return body, nil
}
