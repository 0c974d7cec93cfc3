package stages

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuan1250/transfer2read/internal/types"
)

func generateInput() *types.StageOutputs {
	return &types.StageOutputs{
		Extraction: &types.ExtractionOutput{Version: 1, Blocks: []types.ContentBlock{
			{Order: 0, Kind: types.ElementHeading, Text: "Chapter 1"},
			{Order: 1, Kind: types.ElementText, Text: "First <paragraph> & more."},
			{Order: 2, Kind: types.ElementHeading, Text: "Chapter 2"},
			{Order: 3, Kind: types.ElementTable, Text: "a | b"},
		}},
		Structure: &types.StructureOutput{Version: 1, Outline: []types.OutlineNode{
			{Title: "Chapter 1", Level: 1, StartBlock: 0},
			{Title: "Chapter 2", Level: 1, StartBlock: 2},
		}},
	}
}

func TestGenerate_WritesValidEPUBContainer(t *testing.T) {
	jc := testContext(&funcProvider{name: "primary"})
	store := jc.Store.(*memStore)

	out, contrib, err := (&Generate{}).Run(context.Background(), jc, generateInput())

	require.NoError(t, err)
	require.NotNil(t, out.Generation)
	assert.Equal(t, "jobs/"+jc.Job.ID.String()+"/output.epub", out.Generation.OutputRef)
	assert.Equal(t, 2, out.Generation.Chapters)
	assert.Empty(t, contrib.Signals)

	data := store.objects[out.Generation.OutputRef]
	require.NotEmpty(t, data)
	assert.EqualValues(t, len(data), out.Generation.Bytes)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	// The mimetype entry must come first, uncompressed.
	require.NotEmpty(t, zr.File)
	first := zr.File[0]
	assert.Equal(t, "mimetype", first.Name)
	assert.Equal(t, zip.Store, first.Method)
	rc, err := first.Open()
	require.NoError(t, err)
	mimetype, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "application/epub+zip", string(mimetype))

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["META-INF/container.xml"])
	assert.True(t, names["OEBPS/content.opf"])
	assert.True(t, names["OEBPS/nav.xhtml"])
	assert.True(t, names["OEBPS/chapter_001.xhtml"])
	assert.True(t, names["OEBPS/chapter_002.xhtml"])
}

func TestGenerate_EscapesMarkupInContent(t *testing.T) {
	jc := testContext(&funcProvider{name: "primary"})
	store := jc.Store.(*memStore)

	out, _, err := (&Generate{}).Run(context.Background(), jc, generateInput())
	require.NoError(t, err)

	data := store.objects[out.Generation.OutputRef]
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	for _, f := range zr.File {
		if f.Name != "OEBPS/chapter_001.xhtml" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Contains(t, string(content), "First &lt;paragraph&gt; &amp; more.")
		return
	}
	t.Fatal("chapter_001.xhtml not found")
}

func TestGenerate_OverwritesSameRefOnRerun(t *testing.T) {
	jc := testContext(&funcProvider{name: "primary"})
	store := jc.Store.(*memStore)

	first, _, err := (&Generate{}).Run(context.Background(), jc, generateInput())
	require.NoError(t, err)
	second, _, err := (&Generate{}).Run(context.Background(), jc, generateInput())
	require.NoError(t, err)

	assert.Equal(t, first.Generation.OutputRef, second.Generation.OutputRef)
	assert.Len(t, store.objects, 1)
}

func TestGenerate_RequiresPriorStages(t *testing.T) {
	jc := testContext(&funcProvider{name: "primary"})

	_, _, err := (&Generate{}).Run(context.Background(), jc, &types.StageOutputs{})

	assert.Error(t, err)
}

func TestAssembleBook_NoChapterBoundariesYieldsSingleChapter(t *testing.T) {
	blocks := []types.ContentBlock{
		{Order: 0, Kind: types.ElementText, Text: "alpha"},
		{Order: 1, Kind: types.ElementText, Text: "beta"},
	}

	b := assembleBook("id", blocks, []types.OutlineNode{{Title: "Sub", Level: 2, StartBlock: 1}})

	require.Len(t, b.Chapters, 1)
	assert.Len(t, b.Chapters[0].Blocks, 2)
}

func TestWriteEPUB_Deterministic(t *testing.T) {
	b := assembleBook("id", []types.ContentBlock{{Order: 0, Kind: types.ElementText, Text: "alpha"}}, nil)

	first, err := writeEPUB(b)
	require.NoError(t, err)
	second, err := writeEPUB(b)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
