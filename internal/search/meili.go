package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxProjects  = "bugvault_projects"
	idxBugs      = "bugvault_bugs"
	idxDecisions = "bugvault_decisions"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// Returns a client even if the initial connection fails; the health loop
// will reconfigure indexes once the server becomes reachable.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxProjects,
			primaryKey: "id",
			filterable: []string{"userId"},
			searchable: []string{"name", "description", "techStack"},
		},
		{
			uid:        idxBugs,
			primaryKey: "id",
			filterable: []string{"userId", "projectId"},
			searchable: []string{"title", "errorMessage", "context"},
		},
		{
			uid:        idxDecisions,
			primaryKey: "id",
			filterable: []string{"userId", "projectId"},
			searchable: []string{"title", "context"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the three indexes with a userId filter and groups the hits.
// A blank query only matches projects; bugs and decisions stay empty.
func (m *Meili) Search(q Query) (Response, error) {
	resp := Response{
		Projects:  []ProjectRecord{},
		Bugs:      []BugRecord{},
		Decisions: []DecisionRecord{},
		Query:     q.Text,
	}
	if !m.healthy.Load() {
		return resp, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	userFilter := []string{fmt.Sprintf("userId = %q", q.UserID)}

	targets := []string{idxProjects}
	if strings.TrimSpace(q.Text) != "" {
		targets = append(targets, idxBugs, idxDecisions)
	}

	var queries []*meili.SearchRequest
	for _, uid := range targets {
		queries = append(queries, &meili.SearchRequest{
			IndexUID: uid,
			Query:    q.Text,
			Limit:    limit,
			Filter:   userFilter,
		})
	}

	multi, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return resp, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	for _, sr := range multi.Results {
		for _, hit := range sr.Hits {
			switch sr.IndexUID {
			case idxProjects:
				var p ProjectRecord
				if decodeHit(hit, &p) {
					resp.Projects = append(resp.Projects, p)
				}
			case idxBugs:
				var b BugRecord
				if decodeHit(hit, &b) {
					resp.Bugs = append(resp.Bugs, b)
				}
			case idxDecisions:
				var d DecisionRecord
				if decodeHit(hit, &d) {
					resp.Decisions = append(resp.Decisions, d)
				}
			}
		}
	}

	return resp, nil
}

func decodeHit(hit meili.Hit, out any) bool {
	raw, err := json.Marshal(hit)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// IndexProject adds or updates a project in the search index.
func (m *Meili) IndexProject(p ProjectRecord) error {
	_, err := m.client.Index(idxProjects).AddDocuments([]ProjectRecord{p}, nil)
	return err
}

// IndexBug adds or updates a BUG entry in the search index.
func (m *Meili) IndexBug(b BugRecord) error {
	_, err := m.client.Index(idxBugs).AddDocuments([]BugRecord{b}, nil)
	return err
}

// IndexDecision adds or updates a DECISION entry in the search index.
func (m *Meili) IndexDecision(d DecisionRecord) error {
	_, err := m.client.Index(idxDecisions).AddDocuments([]DecisionRecord{d}, nil)
	return err
}

// DeleteProject removes a project from the search index.
func (m *Meili) DeleteProject(id string) error {
	_, err := m.client.Index(idxProjects).DeleteDocument(id, nil)
	return err
}

// DeleteEntry removes an entry from both entry indexes. Deleting an ID that
// an index never held is a no-op, so the caller does not need the entry type.
func (m *Meili) DeleteEntry(id string) error {
	if _, err := m.client.Index(idxBugs).DeleteDocument(id, nil); err != nil {
		return err
	}
	_, err := m.client.Index(idxDecisions).DeleteDocument(id, nil)
	return err
}

// IndexProjects bulk-indexes projects.
func (m *Meili) IndexProjects(projects []ProjectRecord) error {
	if len(projects) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProjects).AddDocuments(projects, nil)
	return err
}

// IndexBugs bulk-indexes BUG entries.
func (m *Meili) IndexBugs(bugs []BugRecord) error {
	if len(bugs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxBugs).AddDocuments(bugs, nil)
	return err
}

// IndexDecisions bulk-indexes DECISION entries.
func (m *Meili) IndexDecisions(decisions []DecisionRecord) error {
	if len(decisions) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDecisions).AddDocuments(decisions, nil)
	return err
}
