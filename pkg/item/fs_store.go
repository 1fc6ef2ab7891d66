package item

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/keelworks/keel/pkg/capability"
	"github.com/keelworks/keel/pkg/fault"
)

// FSStore loads items from a tiered set of filesystem spaces searched in
// precedence order (project > user > system). Layout per space:
//
//	<space>/<type>s/<item-id-path>/<version>.md
//
// Files carry an optional signature comment on the first line, a YAML
// frontmatter block, and a free-form body.
type FSStore struct {
	spaces []Space
	mu     sync.RWMutex
}

// Space is one root directory with a label for diagnostics.
type Space struct {
	Label string
	Root  string
}

// NewFSStore creates a store over the given spaces. Earlier spaces shadow
// later ones for the same item id and version.
func NewFSStore(spaces ...Space) *FSStore {
	return &FSStore{spaces: spaces}
}

// DefaultSpaces returns the conventional three-tier layout rooted at
// projectDir, the user home, and systemDir.
func DefaultSpaces(projectDir, systemDir string) []Space {
	home, _ := os.UserHomeDir()
	return []Space{
		{Label: "project", Root: filepath.Join(projectDir, ".keel")},
		{Label: "user", Root: filepath.Join(home, ".keel")},
		{Label: "system", Root: systemDir},
	}
}

type frontmatter struct {
	ID          string                  `yaml:"id"`
	Type        string                  `yaml:"type"`
	Version     string                  `yaml:"version"`
	Permissions capability.Declarations `yaml:"permissions"`
	Executor    string                  `yaml:"executor"`
	ParamSchema map[string]interface{}  `yaml:"param_schema"`
	Metadata    map[string]string       `yaml:"metadata"`
}

func (s *FSStore) GetItem(ctx context.Context, ref Reference) (*Item, error) {
	versions, space, err := s.versionsWithSpace(ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	chosen, err := ResolveVersion(ref.Version, versions)
	if err != nil {
		return nil, fault.New(fault.CodeNotFound, "no version satisfies %q", ref.Version).
			WithItem(ref.String()).WithCause(err)
	}
	path := filepath.Join(space.Root, itemDir(ref.Type, ref.ID), chosen+".md")
	return LoadFile(path)
}

func (s *FSStore) ListVersions(ctx context.Context, itemType Type, id string) ([]string, error) {
	versions, _, err := s.versionsWithSpace(itemType, id)
	return versions, err
}

// versionsWithSpace finds the first space containing the item and lists its
// versions there. Spaces do not merge: a project-space item fully shadows the
// same item in user or system space.
func (s *FSStore) versionsWithSpace(itemType Type, id string) ([]string, *Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.spaces {
		space := &s.spaces[i]
		dir := filepath.Join(space.Root, itemDir(itemType, id))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var versions []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			versions = append(versions, strings.TrimSuffix(e.Name(), ".md"))
		}
		if len(versions) > 0 {
			sortVersions(versions)
			return versions, space, nil
		}
	}
	return nil, nil, fault.New(fault.CodeNotFound, "unknown item").WithItem(id)
}

func itemDir(itemType Type, id string) string {
	return filepath.Join(string(itemType)+"s", filepath.FromSlash(id))
}

// LoadFile parses a single item file.
func LoadFile(path string) (*Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.CodeNotFound, "item file missing").WithItem(path)
		}
		return nil, fault.New(fault.CodeMalformedItem, "item file unreadable").WithItem(path).WithCause(err)
	}
	return Parse(raw)
}

// Parse parses item file bytes: optional signature line, required YAML
// frontmatter, free-form body.
func Parse(raw []byte) (*Item, error) {
	text := string(raw)

	var sig *Signature
	if line, rest, ok := strings.Cut(text, "\n"); ok && strings.Contains(line, signaturePrefix) {
		parsed, err := ParseSignature(line)
		if err != nil {
			return nil, err
		}
		sig = parsed
		text = rest
	}

	text = strings.TrimLeft(text, "\n")
	if !strings.HasPrefix(text, "---\n") {
		return nil, fault.New(fault.CodeMalformedItem, "item missing frontmatter")
	}
	fmText, body, ok := strings.Cut(strings.TrimPrefix(text, "---\n"), "\n---")
	if !ok {
		return nil, fault.New(fault.CodeMalformedItem, "unterminated frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "invalid frontmatter").WithCause(err)
	}
	if fm.ID == "" || fm.Type == "" || fm.Version == "" {
		return nil, fault.New(fault.CodeMalformedItem, "frontmatter missing id, type, or version")
	}

	it := &Item{
		Ref:          Reference{Type: Type(fm.Type), ID: fm.ID, Version: fm.Version},
		Body:         strings.TrimLeft(body, "\n"),
		Declarations: fm.Permissions,
		Signature:    sig,
		Metadata:     fm.Metadata,
	}
	if fm.Executor != "" {
		exec, err := ParseReference(fm.Executor)
		if err != nil {
			return nil, fault.New(fault.CodeMalformedItem, "invalid executor reference").
				WithItem(fm.ID).WithCause(err)
		}
		it.ExecutorRef = &exec
	}
	if len(fm.ParamSchema) > 0 {
		schemaJSON, err := json.Marshal(fm.ParamSchema)
		if err != nil {
			return nil, fault.New(fault.CodeMalformedItem, "invalid param schema").
				WithItem(fm.ID).WithCause(err)
		}
		it.ParamSchema = schemaJSON
	}
	return it, nil
}
