package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/biterate/internal/db"
	"github.com/biterate/internal/service"
)

func TestListPosts(t *testing.T) {
	gdb := setupTestDB(t)
	posts := service.NewPostService(gdb)
	for i := 0; i < 3; i++ {
		if _, err := posts.Create(service.PostInput{Content: "post", Tone: "friendly", WorkflowRunID: "run"}); err != nil {
			t.Fatalf("create post: %v", err)
		}
	}
	approved, err := posts.Create(service.PostInput{Content: "approved", Tone: "friendly", WorkflowRunID: "run"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if _, err := posts.TransitionStatus(approved.ID, db.PostStatusApproved, false); err != nil {
		t.Fatalf("approve post: %v", err)
	}

	r := newTestEngine(NewAPI(Deps{DB: gdb}))

	rr := perform(r, http.MethodGet, "/posts?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got []db.Post
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode posts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(got))
	}

	rr = perform(r, http.MethodGet, "/posts?status=approved", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode posts: %v", err)
	}
	if len(got) != 1 || got[0].ID != approved.ID {
		t.Fatalf("expected only the approved post, got %+v", got)
	}

	if rr := perform(r, http.MethodGet, "/posts?status=archived", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	if rr := perform(r, http.MethodGet, "/posts?limit=abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", rr.Code)
	}
}

func TestListPosts_EmptyIsArray(t *testing.T) {
	r := newTestEngine(NewAPI(Deps{DB: setupTestDB(t)}))

	rr := perform(r, http.MethodGet, "/posts", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestPreviewPost(t *testing.T) {
	gdb := setupTestDB(t)
	post, err := service.NewPostService(gdb).Create(service.PostInput{
		Content:       "**Crispy** dumplings at Lotus\n<script>alert('x')</script>",
		Hashtags:      []string{"#FoodReview", "#BiteRate"},
		Tone:          "friendly",
		ImageURL:      stringPtr("https://img.example/1.png"),
		WorkflowRunID: "run",
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	r := newTestEngine(NewAPI(Deps{DB: gdb}))
	rr := perform(r, http.MethodGet, "/posts/"+strconv.FormatUint(uint64(post.ID), 10)+"/preview", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, "<strong>Crispy</strong>") {
		t.Fatalf("expected rendered markdown, got %s", body)
	}
	if strings.Contains(body, "<script>") {
		t.Fatalf("script tag must be stripped, got %s", body)
	}
	if !strings.Contains(body, "#FoodReview #BiteRate") {
		t.Fatalf("expected hashtags, got %s", body)
	}
	if !strings.Contains(body, `src="https://img.example/1.png"`) {
		t.Fatalf("expected image, got %s", body)
	}

	if rr := perform(r, http.MethodGet, "/posts/999/preview", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := perform(r, http.MethodGet, "/posts/abc/preview", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestListReviewsAndStats(t *testing.T) {
	gdb := setupTestDB(t)
	reviews := service.NewReviewService(gdb)
	if _, _, err := reviews.Upsert(service.ReviewRecord{ExternalID: "page-1", Restaurant: "Lotus", Rating: ratingPtr(4.5), Source: "database"}); err != nil {
		t.Fatalf("upsert review: %v", err)
	}
	if _, err := service.NewPostService(gdb).Create(service.PostInput{Content: "post", Tone: "friendly", WorkflowRunID: "run"}); err != nil {
		t.Fatalf("create post: %v", err)
	}

	r := newTestEngine(NewAPI(Deps{DB: gdb}))

	rr := perform(r, http.MethodGet, "/reviews", "")
	var got []db.Review
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode reviews: %v", err)
	}
	if len(got) != 1 || got[0].Restaurant != "Lotus" {
		t.Fatalf("unexpected reviews %+v", got)
	}

	rr = perform(r, http.MethodGet, "/stats", "")
	var stats service.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	want := service.Stats{TotalPosts: 1, PendingPosts: 1, TotalReviews: 1}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
}

func TestStats_CountsPublishedAndFailed(t *testing.T) {
	gdb := setupTestDB(t)
	posts := service.NewPostService(gdb)

	create := func() uint {
		t.Helper()
		post, err := posts.Create(service.PostInput{Content: "post", Tone: "friendly", WorkflowRunID: "run"})
		if err != nil {
			t.Fatalf("create post: %v", err)
		}
		if _, err := posts.TransitionStatus(post.ID, db.PostStatusApproved, false); err != nil {
			t.Fatalf("approve post: %v", err)
		}
		return post.ID
	}
	for i := 0; i < 3; i++ {
		if _, err := posts.MarkPublished(create(), fmt.Sprintf("ext-%d", i), "", false); err != nil {
			t.Fatalf("publish post: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := posts.TransitionStatus(create(), db.PostStatusFailed, false); err != nil {
			t.Fatalf("fail post: %v", err)
		}
	}

	r := newTestEngine(NewAPI(Deps{DB: gdb}))
	rr := perform(r, http.MethodGet, "/stats", "")
	var stats service.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	want := service.Stats{TotalPosts: 5, PublishedPosts: 3, FailedPosts: 2}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
}

func TestIndexAndHealth(t *testing.T) {
	r := newTestEngine(NewAPI(Deps{DB: setupTestDB(t)}))

	rr := perform(r, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "POST /run") {
		t.Fatalf("unexpected index response %d %s", rr.Code, rr.Body.String())
	}

	rr = perform(r, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", rr.Code, rr.Body.String())
	}
}
