package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePageWatcher struct {
	edited map[string]string
	failed map[string]bool
}

func (f *fakePageWatcher) LastEdited(_ context.Context, pageID string) (string, error) {
	if f.failed[pageID] {
		return "", &RetrievalError{Source: "notion page " + pageID, Err: errors.New("not found")}
	}
	return f.edited[pageID], nil
}

type countingRunner struct {
	calls int
	err   error
}

func (r *countingRunner) Run(_ context.Context, opts RunOptions) (RunResult, error) {
	r.calls++
	return RunResult{RunID: "run-1", Outcome: OutcomePublished, DryRun: opts.DryRun}, r.err
}

func newNotionListenerFixture(t *testing.T, autoPost bool) (*NotionListener, *fakePageWatcher, *countingRunner, *PageStateService) {
	t.Helper()
	pages := &fakePageWatcher{
		edited: map[string]string{
			"page-a": "2026-10-01T10:00:00.000Z",
			"page-b": "2026-10-01T11:00:00.000Z",
		},
		failed: map[string]bool{},
	}
	runner := &countingRunner{}
	states := NewPageStateService(setupServiceTestDB(t))
	listener := NewNotionListener(NotionListenerDeps{
		Pages:    pages,
		States:   states,
		Pipeline: runner,
	}, NotionListenerConfig{PageIDs: []string{"page-a", "page-b"}, AutoPost: autoPost})
	return listener, pages, runner, states
}

func TestNotionListener_FirstPollOnlyRecordsState(t *testing.T) {
	listener, _, runner, states := newNotionListenerFixture(t, true)

	summary, err := listener.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 2, summary.Initialized)
	assert.Empty(t, summary.Changed)
	assert.Nil(t, summary.Run)
	assert.Zero(t, runner.calls)

	state, err := states.Get("page-a")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "2026-10-01T10:00:00.000Z", state.LastEditedTime)
	assert.Nil(t, state.LastTriggeredAt)

	// 未变更时不触发
	summary, err = listener.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Initialized)
	assert.Empty(t, summary.Changed)
	assert.Zero(t, runner.calls)
}

func TestNotionListener_ChangeTriggersOneRun(t *testing.T) {
	listener, pages, runner, states := newNotionListenerFixture(t, true)
	_, err := listener.PollOnce(context.Background())
	require.NoError(t, err)

	pages.edited["page-a"] = "2026-10-02T08:30:00.000Z"
	pages.edited["page-b"] = "2026-10-02T09:00:00.000Z"
	summary, err := listener.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"page-a", "page-b"}, summary.Changed)
	assert.Equal(t, 1, runner.calls, "changed pages share one generation run")
	require.NotNil(t, summary.Run)
	assert.Equal(t, "run-1", summary.Run.RunID)

	state, err := states.Get("page-a")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-02T08:30:00.000Z", state.LastEditedTime)
	assert.NotNil(t, state.LastTriggeredAt)

	// 已处理的变更不会再次触发
	_, err = listener.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
}

func TestNotionListener_AutoPostDisabled(t *testing.T) {
	listener, pages, runner, states := newNotionListenerFixture(t, false)
	_, err := listener.PollOnce(context.Background())
	require.NoError(t, err)

	pages.edited["page-b"] = "2026-10-03T12:00:00.000Z"
	summary, err := listener.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"page-b"}, summary.Changed)
	assert.Zero(t, runner.calls)

	state, err := states.Get("page-b")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-03T12:00:00.000Z", state.LastEditedTime)
	assert.Nil(t, state.LastTriggeredAt)
}

func TestNotionListener_PageErrorsAndRunFailure(t *testing.T) {
	listener, pages, runner, states := newNotionListenerFixture(t, true)
	pages.failed["page-a"] = true

	summary, err := listener.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Initialized)
	state, err := states.Get("page-a")
	require.NoError(t, err)
	assert.Nil(t, state, "unreadable pages are not tracked")

	runner.err = errors.New("generation: model unavailable")
	pages.edited["page-b"] = "2026-10-04T07:00:00.000Z"
	_, err = listener.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run pipeline")

	// 失败的运行不会回滚状态，避免对同一次编辑反复生成
	summary, err = listener.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Changed)
	assert.Equal(t, 1, runner.calls)
}

func TestNotionListener_RunRequiresPages(t *testing.T) {
	listener := NewNotionListener(NotionListenerDeps{States: NewPageStateService(setupServiceTestDB(t))}, NotionListenerConfig{})
	assert.Error(t, listener.Run(context.Background()))
}

func TestNotionSource_LastEdited(t *testing.T) {
	source := NewNotionSource("secret", nil)
	source.SetBaseURL("https://notion.test/v1")
	var path string
	source.SetHTTPClient(doerFunc(func(req *http.Request) (*http.Response, error) {
		path = req.Method + " " + req.URL.Path
		return jsonResponse(http.StatusOK, `{"object": "page", "id": "abc", "last_edited_time": "2026-10-05T09:15:00.000Z"}`), nil
	}))

	edited, err := source.LastEdited(context.Background(), "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-05T09:15:00.000Z", edited)
	assert.Equal(t, "GET /v1/pages/01234567-89ab-cdef-0123-456789abcdef", path)

	source.SetHTTPClient(doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"code": "object_not_found", "message": "Could not find page"}`), nil
	}))
	_, err = source.LastEdited(context.Background(), "missing")
	var retrievalErr *RetrievalError
	require.True(t, errors.As(err, &retrievalErr))
	assert.Contains(t, err.Error(), "object_not_found")
}
