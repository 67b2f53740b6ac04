package discovery

import (
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/registry"
)

// DefaultSearchLimit caps Search results when no limit is given.
const DefaultSearchLimit = 20

// document is what the search index stores per component.
type document struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Metadata     string   `json:"metadata"`
}

func newDocument(rec registry.ComponentRecord) document {
	keys := make([]string, 0, len(rec.Metadata))
	for k := range rec.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var md strings.Builder
	for _, k := range keys {
		if s, ok := rec.Metadata[k].(string); ok {
			md.WriteString(k)
			md.WriteByte(' ')
			md.WriteString(s)
			md.WriteByte('\n')
		}
	}
	return document{
		Name:         rec.Name,
		Type:         rec.Type,
		Version:      rec.Version,
		Capabilities: rec.Capabilities,
		Metadata:     md.String(),
	}
}

func buildIndexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("metadata", text)
	doc.AddFieldMappingsAt("type", exact)
	doc.AddFieldMappingsAt("version", exact)
	doc.AddFieldMappingsAt("capabilities", exact)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// index and unindex run under ix.mu. Search index failures only cost
// search recall, so they are logged.
func (ix *Index) index(rec registry.ComponentRecord) {
	if err := ix.text.Index(rec.ID, newDocument(rec)); err != nil {
		ix.logger.Warn("search_index_failed", map[string]interface{}{"component_id": rec.ID, "error": err})
	}
}

func (ix *Index) unindex(id string) {
	if err := ix.text.Delete(id); err != nil {
		ix.logger.Warn("search_unindex_failed", map[string]interface{}{"component_id": id, "error": err})
	}
}

// Search runs a bleve query string (e.g. "vector", "capabilities:memory",
// "+type:engine name:llm*") and returns matching discoverable components,
// best match first. limit <= 0 means DefaultSearchLimit.
func (ix *Index) Search(q string, limit int) ([]registry.ComponentRecord, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, errors.InvalidInput("empty search query")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	s := ix.snap.Load()
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(q))
	req.Size = len(s.records) + 1
	res, err := ix.text.Search(req)
	if err != nil {
		return nil, errors.InvalidInput("invalid search query: "+err.Error(), errors.WithCause(err))
	}

	out := make([]registry.ComponentRecord, 0, limit)
	for _, hit := range res.Hits {
		rec, ok := s.records[hit.ID]
		if !ok || !rec.Status.Discoverable() {
			continue
		}
		out = append(out, rec.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
