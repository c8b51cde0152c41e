package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// DefaultIndex adalah nama index bawaan untuk entri audit.
const DefaultIndex = "authz-audit"

// maxResultWindow mengikuti batas index.max_result_window bawaan Elasticsearch.
const maxResultWindow = 10000

// ElasticsearchRepository menyimpan entri audit sebagai dokumen Elasticsearch.
type ElasticsearchRepository struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticsearchRepository membuat repository dari daftar alamat cluster.
func NewElasticsearchRepository(addresses []string, index string) (*ElasticsearchRepository, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("audit: elasticsearch client: %w", err)
	}
	if index == "" {
		index = DefaultIndex
	}
	return &ElasticsearchRepository{client: client, index: index}, nil
}

// indexMapping memetakan field filter sebagai keyword agar query term cocok
// persis; string lain di context dan origin juga keyword.
var indexMapping = map[string]any{
	"mappings": map[string]any{
		"dynamic_templates": []any{
			map[string]any{"strings_as_keywords": map[string]any{
				"match_mapping_type": "string",
				"mapping":            map[string]any{"type": "keyword"},
			}},
		},
		"properties": map[string]any{
			"id":              map[string]any{"type": "keyword"},
			"principal_id":    map[string]any{"type": "keyword"},
			"action":          map[string]any{"type": "keyword"},
			"resource":        map[string]any{"type": "keyword"},
			"permission_name": map[string]any{"type": "keyword"},
			"role_name":       map[string]any{"type": "keyword"},
			"actor":           map[string]any{"type": "keyword"},
			"result":          map[string]any{"type": "boolean"},
			"occurred_at":     map[string]any{"type": "date"},
		},
	},
}

// EnsureIndex membuat index beserta mapping-nya. Index yang sudah ada
// dibiarkan apa adanya.
func (r *ElasticsearchRepository) EnsureIndex(ctx context.Context) error {
	data, err := json.Marshal(indexMapping)
	if err != nil {
		return err
	}
	req := esapi.IndicesCreateRequest{
		Index: r.index,
		Body:  bytes.NewReader(data),
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return fmt.Errorf("audit: create index: %w", err)
	}
	defer res.Body.Close()
	if !res.IsError() {
		return nil
	}
	var failure struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if res.StatusCode == http.StatusBadRequest &&
		json.NewDecoder(res.Body).Decode(&failure) == nil &&
		failure.Error.Type == "resource_already_exists_exception" {
		return nil
	}
	return fmt.Errorf("audit: create index: %s", res.Status())
}

// Append mengindeks entri dengan ID entri sebagai document ID sehingga
// pengiriman ulang menimpa dokumen yang sama.
func (r *ElasticsearchRepository) Append(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return Permanent(err)
	}
	req := esapi.IndexRequest{
		Index:      r.index,
		DocumentID: entry.ID.String(),
		Body:       bytes.NewReader(data),
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		err := fmt.Errorf("audit: index document: %s", res.String())
		if res.StatusCode >= http.StatusBadRequest && res.StatusCode < http.StatusInternalServerError && res.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source Entry `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Query mencari entri terbaru lebih dulu.
func (r *ElasticsearchRepository) Query(ctx context.Context, q Query) ([]Entry, error) {
	size := q.Limit
	if size <= 0 || q.Offset+size > maxResultWindow {
		size = maxResultWindow - q.Offset
	}
	if size <= 0 {
		return []Entry{}, nil
	}
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(searchBody(q, size)); err != nil {
		return nil, err
	}
	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.index),
		r.client.Search.WithBody(&body),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("audit: search documents: %s", res.String())
	}
	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

func searchBody(q Query, size int) map[string]any {
	filters := make([]any, 0, 3)
	if !q.From.IsZero() || !q.To.IsZero() {
		rng := map[string]any{}
		if !q.From.IsZero() {
			rng["gte"] = q.From.UTC().Format(time.RFC3339Nano)
		}
		if !q.To.IsZero() {
			rng["lt"] = q.To.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, map[string]any{"range": map[string]any{"occurred_at": rng}})
	}
	if q.Principal != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"principal_id": q.Principal}})
	}
	if q.Action != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"action": string(q.Action)}})
	}
	return map[string]any{
		"from": q.Offset,
		"size": size,
		"sort": []any{map[string]any{"occurred_at": map[string]any{"order": "desc"}}},
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
	}
}
