package service

import (
	"context"
	"strings"
	"testing"

	"github.com/biterate/internal/db"
)

func seedKnowledge(t *testing.T, svc *ReviewService, posts *PostService) {
	t.Helper()
	records := []ReviewRecord{
		{ExternalID: "k-1", Restaurant: "Pho Saigon", Cuisine: "Vietnamese", Location: "Boston", Rating: floatPtr(4), Review: "Pho with a deep, clear broth."},
		{ExternalID: "k-2", Restaurant: "Taco Town", Cuisine: "Mexican", Review: "Crispy al pastor."},
		{ExternalID: "k-3", Restaurant: "Banh Mi Bar", Cuisine: "Vietnamese", Review: "Fresh herbs."},
	}
	for _, record := range records {
		if _, _, err := svc.Upsert(record); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	published, err := posts.Create(PostInput{Content: "Our pho crawl ended at Pho Saigon.", Tone: "friendly", WorkflowRunID: "run"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if _, err := posts.MarkPublished(published.ID, "ext-1", "", true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// 未发布的帖子不参与检索
	if _, err := posts.Create(PostInput{Content: "Draft about pho that was never posted.", Tone: "friendly", WorkflowRunID: "run"}); err != nil {
		t.Fatalf("create draft: %v", err)
	}
}

func TestKnowledgeService_RelatedRanksByTermMatches(t *testing.T) {
	gdb := setupServiceTestDB(t)
	seedKnowledge(t, NewReviewService(gdb), NewPostService(gdb))
	svc := NewKnowledgeService(gdb)

	hits, err := svc.Related("Pho Corner Vietnamese", []string{"page-1"}, 5)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %+v", hits)
	}
	if hits[0].SourceType != "review" || hits[0].SourceID != "k-1" {
		t.Fatalf("expected Pho Saigon review first, got %+v", hits[0])
	}
	if !strings.HasPrefix(hits[0].Content, "Pho Saigon (Vietnamese, Boston) rated 4/5: ") {
		t.Fatalf("unexpected review formatting %q", hits[0].Content)
	}
	for _, hit := range hits {
		if hit.SourceID == "k-2" || strings.Contains(hit.Content, "never posted") {
			t.Fatalf("unexpected hit %+v", hit)
		}
	}

	hits, err = svc.Related("Pho Corner Vietnamese", []string{"k-1", "k-3"}, 1)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(hits) != 1 || hits[0].SourceType != "post" {
		t.Fatalf("expected only the published post, got %+v", hits)
	}

	if hits, err := svc.Related("a b", nil, 5); err != nil || len(hits) != 0 {
		t.Fatalf("short terms should not match anything, got %+v, %v", hits, err)
	}
}

func TestRelatedQuery(t *testing.T) {
	query := RelatedQuery([]ReviewRecord{
		{Restaurant: "Pho Corner", Cuisine: "Vietnamese"},
		{Restaurant: "Unknown Restaurant"},
		{Restaurant: "Taco Town"},
		{Restaurant: "Ignored Fourth"},
	})
	if query != "Pho Corner Vietnamese Taco Town" {
		t.Fatalf("unexpected query %q", query)
	}
	if RelatedQuery(nil) != defaultRelatedQuery {
		t.Fatalf("expected default query")
	}
	formatted := FormatKnowledge([]KnowledgeHit{{SourceType: "review", Content: "A"}, {SourceType: "post", Content: "B"}})
	if formatted != "[1. review]\nA\n\n[2. post]\nB" {
		t.Fatalf("unexpected formatting %q", formatted)
	}
}

func TestPipeline_RelatedContextReachesPrompt(t *testing.T) {
	f := newPipelineFixture(t, nil, PipelineConfig{DryRun: true, RelatedLimit: 3})
	gdb := f.posts.db
	seedKnowledge(t, NewReviewService(gdb), f.posts)
	f.pipeline.deps.Knowledge = NewKnowledgeService(gdb)

	result, err := f.pipeline.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RelatedItems != 2 {
		t.Fatalf("expected 2 related items, got %d", result.RelatedItems)
	}
	prompt := f.llm.requests[0].UserPrompt
	if !strings.Contains(prompt, "Related Context") || !strings.Contains(prompt, "Pho Saigon (Vietnamese, Boston)") {
		t.Fatalf("expected related context in prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "Taco Town") {
		t.Fatalf("unrelated review leaked into prompt")
	}

	var stored db.Review
	if err := gdb.Where("external_id = ?", "page-1").First(&stored).Error; err != nil {
		t.Fatalf("current review should be stored: %v", err)
	}
}
