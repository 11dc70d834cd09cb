// Package parse turns free-form model output into structured artifacts.
// All functions are pure: no I/O, no state, and no panics on garbled input.
package parse

import (
	"encoding/json"
	"errors"
	"path"
	"regexp"
	"strings"
)

// ErrInvalidPayload is returned when no JSON payload can be decoded from the
// model output, neither from a fenced block nor from the text as a whole.
var ErrInvalidPayload = errors.New("parse: no decodable JSON payload")

var (
	jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n?(.*?)\n?```")
	codeFenceRe = regexp.MustCompile("(?s)```(?:typescript|ts)[ \t]*\n?(.*?)\n?```")
	anyFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*[ \t]*\n?(.*?)\n?```")
	fileMarkerRe = regexp.MustCompile(`//\s*===\s*FILE:\s*([^\s=]+)\s*===`)
)

// Payload extracts the first decodable JSON payload from model output.
// Fenced ```json blocks are preferred; failing those, the whole text is
// tried. Returns the raw JSON bytes of the winning candidate.
func Payload(text string) ([]byte, error) {
	for _, m := range jsonFenceRe.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	whole := strings.TrimSpace(text)
	if whole != "" && json.Valid([]byte(whole)) {
		return []byte(whole), nil
	}
	return nil, ErrInvalidPayload
}

// CodeBlock extracts the interior of a fenced code block, preferring a
// typescript-tagged fence, then any fence. Text without a fence is returned
// trimmed as-is: the model sometimes omits fencing, and punishing that would
// drop valid code. Idempotent on its own output.
func CodeBlock(text string) string {
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// File is one generated file split out of model output.
type File struct {
	Name    string
	Path    string
	Content string
}

// SplitFiles splits model output containing `// === FILE: name ===` markers
// into individual files. Each file's content runs from just after its marker
// to just before the next (or end of text), trimmed. Paths are resolved
// against basePath's directory. When no markers are present the whole text
// becomes a single file at basePath, so callers always receive at least one.
func SplitFiles(text, basePath string) []File {
	dir := path.Dir(basePath)

	markers := fileMarkerRe.FindAllStringSubmatchIndex(text, -1)
	if len(markers) == 0 {
		return []File{{
			Name:    path.Base(basePath),
			Path:    basePath,
			Content: strings.TrimSpace(text),
		}}
	}

	files := make([]File, 0, len(markers))
	for i, m := range markers {
		name := text[m[2]:m[3]]
		start := m[1]
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		files = append(files, File{
			Name:    name,
			Path:    path.Join(dir, name),
			Content: strings.TrimSpace(text[start:end]),
		})
	}
	return files
}
