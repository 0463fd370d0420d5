package search

import (
	"context"
	"log"
)

// backend is what the facade needs from Meilisearch.
type backend interface {
	Searcher
	Indexer
	IndexProjects([]ProjectRecord) error
	IndexBugs([]BugRecord) error
	IndexDecisions([]DecisionRecord) error
}

// fallbackStore is the Postgres side: substring search plus the record dump
// used for reindexing.
type fallbackStore interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]ProjectRecord, []BugRecord, []DecisionRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// PostgreSQL substring matching.
type Service struct {
	meili  backend
	pglike fallbackStore
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pglike *PgLike) *Service {
	s := &Service{}
	if meili != nil {
		s.meili = meili
	}
	if pglike != nil {
		s.pglike = pglike
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		resp, err := s.meili.Search(q)
		if err == nil {
			return resp
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	resp, err := s.pglike.Search(q)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{
			Projects:  []ProjectRecord{},
			Bugs:      []BugRecord{},
			Decisions: []DecisionRecord{},
			Query:     q.Text,
		}
	}
	return resp
}

// IndexProject indexes a project (fire-and-forget to Meilisearch).
func (s *Service) IndexProject(p ProjectRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(p); err != nil {
			log.Printf("search: index project %s: %v", p.ID, err)
		}
	}()
}

// IndexBug indexes a BUG entry (fire-and-forget to Meilisearch).
func (s *Service) IndexBug(b BugRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexBug(b); err != nil {
			log.Printf("search: index bug %s: %v", b.ID, err)
		}
	}()
}

// IndexDecision indexes a DECISION entry (fire-and-forget to Meilisearch).
func (s *Service) IndexDecision(d DecisionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDecision(d); err != nil {
			log.Printf("search: index decision %s: %v", d.ID, err)
		}
	}()
}

// DeleteProject removes a project from the search index (fire-and-forget).
func (s *Service) DeleteProject(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(id); err != nil {
			log.Printf("search: delete project %s: %v", id, err)
		}
	}()
}

// DeleteEntry removes an entry from the search index (fire-and-forget).
func (s *Service) DeleteEntry(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteEntry(id); err != nil {
			log.Printf("search: delete entry %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pglike == nil {
		return
	}
	projects, bugs, decisions, err := s.pglike.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexProjects(projects); err != nil {
		log.Printf("search: reindex projects: %v", err)
	}
	if err := s.meili.IndexBugs(bugs); err != nil {
		log.Printf("search: reindex bugs: %v", err)
	}
	if err := s.meili.IndexDecisions(decisions); err != nil {
		log.Printf("search: reindex decisions: %v", err)
	}
}
