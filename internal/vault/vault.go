package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Vault folders. Steps only write into these.
const (
	Sources   = "Sources"
	Summaries = "Summaries"
	Entities  = "Entities"
	Index     = "Index"
	Logs      = "Logs"
)

var Folders = []string{Sources, Summaries, Entities, Index, Logs}

// Vault is a directory of markdown and JSON documents.
type Vault struct {
	Root string
}

// Create makes the vault root and its folders.
func Create(root string) (*Vault, error) {
	v := &Vault{Root: root}

	for _, folder := range Folders {
		dir := filepath.Join(root, folder)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return v, nil
}

// Path returns the location of name inside folder. Names may not escape the
// folder.
func (v *Vault) Path(folder, name string) (string, error) {
	if !slices.Contains(Folders, folder) {
		return "", fmt.Errorf("unknown vault folder %q", folder)
	}
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid vault file name %q", name)
	}
	return filepath.Join(v.Root, folder, name), nil
}

func (v *Vault) WriteJSON(folder, name string, value any) (string, error) {
	path, err := v.Path(folder, name)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	if err := v.write(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (v *Vault) ReadJSON(folder, name string, out any) error {
	path, err := v.Path(folder, name)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// WriteMarkdown writes body under a YAML frontmatter block. A nil or empty
// frontmatter writes the body alone.
func (v *Vault) WriteMarkdown(folder, name string, frontmatter map[string]any, body string) (string, error) {
	path, err := v.Path(folder, name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if len(frontmatter) > 0 {
		fm, err := yaml.Marshal(frontmatter)
		if err != nil {
			return "", fmt.Errorf("failed to marshal frontmatter: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(fm)
		buf.WriteString("---\n\n")
	}
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}

	if err := v.write(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// AppendMarkdown adds a "## heading" section to a note, creating the note
// when it does not exist yet.
func (v *Vault) AppendMarkdown(folder, name, heading, body string) (string, error) {
	path, err := v.Path(folder, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open note: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	var section strings.Builder
	if info.Size() > 0 {
		section.WriteString("\n")
	}
	if heading != "" {
		section.WriteString("## " + heading + "\n\n")
	}
	section.WriteString(strings.TrimRight(body, "\n") + "\n")

	if _, err := f.WriteString(section.String()); err != nil {
		return "", fmt.Errorf("failed to append to note: %w", err)
	}
	return path, nil
}

// CheckWritable verifies a file can be created in every folder.
func (v *Vault) CheckWritable() error {
	for _, folder := range Folders {
		f, err := os.CreateTemp(filepath.Join(v.Root, folder), ".writable-*")
		if err != nil {
			return fmt.Errorf("vault folder %s is not writable: %w", folder, err)
		}
		f.Close()
		os.Remove(f.Name())
	}
	return nil
}

func (v *Vault) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ParseFrontmatter splits a markdown document into its frontmatter and body.
func ParseFrontmatter(data []byte) (map[string]any, string, error) {
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return nil, text, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, text, fmt.Errorf("unterminated frontmatter")
	}

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
		return nil, text, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	body := strings.TrimPrefix(rest[end+len("\n---\n"):], "\n")
	return fm, body, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns free text into a file-name-safe fragment.
func Slug(s string) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	if slug == "" {
		return "untitled"
	}
	return slug
}

// Timestamped builds names like "20260501-060000-research.json".
func Timestamped(t time.Time, label, ext string) string {
	return fmt.Sprintf("%s-%s%s", t.Format("20060102-150405"), Slug(label), ext)
}

// DailyNote is the default note name for a day.
func DailyNote(t time.Time) string {
	return t.Format("2006-01-02") + ".md"
}
