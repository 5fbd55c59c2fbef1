package service

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/biterate/internal/db"
	"gorm.io/gorm"
)

const (
	knowledgeCandidateLimit = 200
	defaultRelatedQuery     = "food review restaurant"
)

// KnowledgeHit 是一条检索到的历史内容。
type KnowledgeHit struct {
	SourceType string
	SourceID   string
	Content    string
	Score      int
}

// KnowledgeService 在已入库的点评与已发布帖子中按关键词检索相关内容，
// 作为生成帖子时的补充上下文。
type KnowledgeService struct {
	db *gorm.DB
}

func NewKnowledgeService(gdb *gorm.DB) *KnowledgeService {
	return &KnowledgeService{db: gdb}
}

// RelatedQuery 取前三条点评的餐厅名与菜系拼成检索词。
func RelatedQuery(reviews []ReviewRecord) string {
	var terms []string
	for i, review := range reviews {
		if i == 3 {
			break
		}
		if r := strings.TrimSpace(review.Restaurant); r != "" && r != "Unknown Restaurant" {
			terms = append(terms, r)
		}
		if c := strings.TrimSpace(review.Cuisine); c != "" {
			terms = append(terms, c)
		}
	}
	if len(terms) == 0 {
		return defaultRelatedQuery
	}
	return strings.Join(terms, " ")
}

// queryTerms 拆分检索词，忽略长度小于 3 的词。
func queryTerms(query string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, field := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		if len([]rune(field)) < 3 || seen[field] {
			continue
		}
		seen[field] = true
		terms = append(terms, field)
	}
	return terms
}

func countTerms(text string, terms []string) int {
	text = strings.ToLower(text)
	score := 0
	for _, term := range terms {
		score += strings.Count(text, term)
	}
	return score
}

// Related 返回与 query 最相关的最多 topK 条内容，excludeIDs 中的点评不参与检索。
// 得分为检索词在内容中出现的次数，得分相同时较新的内容优先。
func (s *KnowledgeService) Related(query string, excludeIDs []string, topK int) ([]KnowledgeHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	reviewCond := s.db.Where("1 = 0")
	postCond := s.db.Where("1 = 0")
	for _, term := range terms {
		like := "%" + term + "%"
		reviewCond = reviewCond.Or("restaurant LIKE ? OR cuisine LIKE ? OR location LIKE ? OR review LIKE ?", like, like, like, like)
		postCond = postCond.Or("content LIKE ? OR restaurant_mentioned LIKE ?", like, like)
	}

	reviewQuery := s.db.Model(&db.Review{}).Where(reviewCond)
	if len(excludeIDs) > 0 {
		reviewQuery = reviewQuery.Where("external_id NOT IN ?", excludeIDs)
	}
	var reviews []db.Review
	if err := reviewQuery.Order("id desc").Limit(knowledgeCandidateLimit).Find(&reviews).Error; err != nil {
		return nil, err
	}

	var posts []db.Post
	if err := s.db.Model(&db.Post{}).
		Where("status = ?", db.PostStatusPublished).
		Where(postCond).
		Order("id desc").
		Limit(knowledgeCandidateLimit).
		Find(&posts).Error; err != nil {
		return nil, err
	}

	hits := make([]KnowledgeHit, 0, len(reviews)+len(posts))
	for _, review := range reviews {
		content := formatKnowledgeReview(review)
		if score := countTerms(content, terms); score > 0 {
			hits = append(hits, KnowledgeHit{SourceType: "review", SourceID: review.ExternalID, Content: content, Score: score})
		}
	}
	for _, post := range posts {
		if score := countTerms(post.Content+" "+post.RestaurantMentioned, terms); score > 0 {
			hits = append(hits, KnowledgeHit{SourceType: "post", SourceID: fmt.Sprint(post.ID), Content: post.Content, Score: score})
		}
	}

	// 候选已按 id 倒序，稳定排序保留新内容在前
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func formatKnowledgeReview(review db.Review) string {
	var b strings.Builder
	b.WriteString(review.Restaurant)
	var details []string
	if review.Cuisine != "" {
		details = append(details, review.Cuisine)
	}
	if review.Location != "" {
		details = append(details, review.Location)
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	if review.Rating != nil {
		fmt.Fprintf(&b, " rated %g/5", *review.Rating)
	}
	if text := strings.TrimSpace(review.Review); text != "" {
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}

// FormatKnowledge 将检索结果排版为提示词片段。
func FormatKnowledge(hits []KnowledgeHit) string {
	parts := make([]string, 0, len(hits))
	for i, hit := range hits {
		parts = append(parts, fmt.Sprintf("[%d. %s]\n%s", i+1, hit.SourceType, strings.TrimSpace(hit.Content)))
	}
	return strings.Join(parts, "\n\n")
}
