package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: sanitizeResults(nonNil(results), q.IncludeHidden), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: sanitizeResults(nonNil(results), q.IncludeHidden), Total: total, Query: q.Text}
}

// IndexProposal indexes a proposal (fire-and-forget to Meilisearch).
func (s *Service) IndexProposal(p ProposalRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProposal(p); err != nil {
			log.Printf("search: index proposal %s: %v", p.ID, err)
		}
	}()
}

// IndexProcess indexes a process (fire-and-forget to Meilisearch).
func (s *Service) IndexProcess(p ProcessRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProcess(p); err != nil {
			log.Printf("search: index process %s: %v", p.ID, err)
		}
	}()
}

// DeleteProposal removes a proposal from the search index (fire-and-forget).
func (s *Service) DeleteProposal(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProposal(id); err != nil {
			log.Printf("search: delete proposal %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch.
func (s *Service) ReindexAll(proposals []ProposalRecord, processes []ProcessRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(proposals) > 0 {
		if err := s.meili.IndexProposals(proposals); err != nil {
			log.Printf("search: reindex proposals: %v", err)
		}
	}
	if len(processes) > 0 {
		if err := s.meili.IndexProcesses(processes); err != nil {
			log.Printf("search: reindex processes: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	proposals, processes, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(proposals, processes)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

func sanitizeResults(results []Result, includeHidden bool) []Result {
	if includeHidden {
		return results
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if result.Type == ResultProposal && result.Visibility == "hidden" {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
