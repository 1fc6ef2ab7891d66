package item

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scraperFile = `---
id: security/web/scraper
type: tool
version: 1.0.0
permissions:
  execute:
    - "tool:security/*"
executor: tool:runtimes/python@1.0.0
param_schema:
  type: object
  properties:
    url:
      type: string
  required:
    - url
metadata:
  author: platform-team
---
Fetches a page and extracts structured content.
`

func writeItem(t *testing.T, root string, itemType Type, id, version, content string) {
	t.Helper()
	dir := filepath.Join(root, string(itemType)+"s", filepath.FromSlash(id))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, version+".md"), []byte(content), 0o644))
}

func TestParse_FullItem(t *testing.T) {
	it, err := Parse([]byte(scraperFile))
	require.NoError(t, err)

	assert.Equal(t, "security/web/scraper", it.Ref.ID)
	assert.Equal(t, TypeTool, it.Ref.Type)
	assert.Equal(t, "1.0.0", it.Ref.Version)
	require.NotNil(t, it.ExecutorRef)
	assert.Equal(t, "runtimes/python", it.ExecutorRef.ID)
	assert.NotEmpty(t, it.ParamSchema)
	assert.Equal(t, "platform-team", it.Metadata["author"])
	assert.Contains(t, it.Body, "structured content")
	assert.Equal(t, RiskUnverified, it.RiskTier())
}

func TestParse_MissingFrontmatter(t *testing.T) {
	_, err := Parse([]byte("just a body\n"))
	assert.Error(t, err)
}

func TestFSStore_TierPrecedence(t *testing.T) {
	project := t.TempDir()
	system := t.TempDir()

	writeItem(t, project, TypeTool, "web/scraper", "1.0.0", `---
id: web/scraper
type: tool
version: 1.0.0
metadata:
  space: project
---
project copy
`)
	writeItem(t, system, TypeTool, "web/scraper", "1.0.0", `---
id: web/scraper
type: tool
version: 1.0.0
metadata:
  space: system
---
system copy
`)
	writeItem(t, system, TypeTool, "sys/only", "1.0.0", `---
id: sys/only
type: tool
version: 1.0.0
---
only here
`)

	store := NewFSStore(
		Space{Label: "project", Root: project},
		Space{Label: "system", Root: system},
	)
	ctx := context.Background()

	it, err := store.GetItem(ctx, Reference{Type: TypeTool, ID: "web/scraper"})
	require.NoError(t, err)
	assert.Equal(t, "project", it.Metadata["space"], "project space shadows system space")

	it, err = store.GetItem(ctx, Reference{Type: TypeTool, ID: "sys/only"})
	require.NoError(t, err)
	assert.Contains(t, it.Body, "only here")
}

func TestFSStore_VersionSelection(t *testing.T) {
	root := t.TempDir()
	for _, v := range []string{"1.0.0", "1.5.0", "2.0.0"} {
		writeItem(t, root, TypeTool, "a/b", v, `---
id: a/b
type: tool
version: `+v+`
---
body
`)
	}

	store := NewFSStore(Space{Label: "only", Root: root})
	it, err := store.GetItem(context.Background(), Reference{Type: TypeTool, ID: "a/b", Version: "~1"})
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", it.Ref.Version)
}

func TestFSStore_NotFound(t *testing.T) {
	store := NewFSStore(Space{Label: "empty", Root: t.TempDir()})
	_, err := store.GetItem(context.Background(), Reference{Type: TypeTool, ID: "no/such"})
	assert.Error(t, err)
}
