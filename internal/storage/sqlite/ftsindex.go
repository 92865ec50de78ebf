package sqlite

import (
	"fmt"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
)

// ftsIndex wraps Bleve for a substring/full-text assist over entity data
// payloads, adapted from the teacher's internal/search/index.go: same
// document-mapping shape (content field standard-analyzed, type
// keyword-analyzed), repointed at entity guids instead of journal entry
// ids.
type ftsIndex struct {
	index bleve.Index
}

type ftsDocument struct {
	Guid    string `json:"guid"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func newFTSIndex(dataDir string) (*ftsIndex, error) {
	path := filepath.Join(dataDir, "entities.bleve")

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		mapping := bleve.NewIndexMapping()
		docMapping := bleve.NewDocumentMapping()

		contentField := bleve.NewTextFieldMapping()
		contentField.Analyzer = "standard"
		docMapping.AddFieldMappingsAt("content", contentField)

		typeField := bleve.NewTextFieldMapping()
		typeField.Analyzer = "keyword"
		docMapping.AddFieldMappingsAt("type", typeField)

		mapping.AddDocumentMapping("entity", docMapping)

		idx, err = bleve.New(path, mapping)
		if err != nil {
			return nil, fmt.Errorf("create entity index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open entity index: %w", err)
	}

	return &ftsIndex{index: idx}, nil
}

// Index adds or replaces the searchable document for an entity guid.
func (f *ftsIndex) Index(guid, entityType, content string) error {
	return f.index.Index(guid, ftsDocument{Guid: guid, Type: entityType, Content: content})
}

// Delete removes an entity's searchable document.
func (f *ftsIndex) Delete(guid string) error {
	return f.index.Delete(guid)
}

// Search returns the guids of entities whose content matches query,
// highest-scored first.
func (f *ftsIndex) Search(queryStr string, limit int) ([]string, error) {
	q := bleve.NewMatchQuery(queryStr)
	q.SetField("content")

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	if req.Size <= 0 {
		req.Size = 50
	}

	res, err := f.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}

	guids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		guids = append(guids, hit.ID)
	}
	return guids, nil
}

func (f *ftsIndex) Close() error {
	return f.index.Close()
}
