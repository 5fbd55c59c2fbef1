package service

import (
	"context"
	"errors"
	"testing"

	"github.com/mattn/go-mastodon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_PublishUploadsImage(t *testing.T) {
	network := &fakeNetwork{}
	publisher := NewPublisher(network, "", nil)

	result, err := publisher.Publish(context.Background(), PublishRequest{
		Text:     "Lunch at Pho Corner",
		Hashtags: []string{"#BiteRate", "#AIGenerated"},
		Image:    &ImageData{Bytes: []byte("png"), ContentType: "image/png", Format: "png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "90001", result.ExternalID)
	assert.Equal(t, 1, network.uploads)

	posted := network.posted[0]
	assert.Equal(t, "Lunch at Pho Corner\n\n#BiteRate #AIGenerated", posted.Text)
	assert.Equal(t, "public", posted.Visibility)
	assert.Equal(t, []string{"media-1"}, posted.MediaIDs)
}

func TestPublisher_ErrorsCarryOperation(t *testing.T) {
	network := &fakeNetwork{postErr: errors.New("422 unprocessable")}
	publisher := NewPublisher(network, "public", nil)

	_, err := publisher.Publish(context.Background(), PublishRequest{Text: "hi"})
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "post status", pubErr.Op)

	_, err = publisher.Reply(context.Background(), "", "hi")
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "reply", pubErr.Op)
	assert.ErrorIs(t, err, ErrExternalIDRequired)

	_, err = NewPublisher(nil, "", nil).Publish(context.Background(), PublishRequest{Text: "hi"})
	assert.ErrorIs(t, err, ErrAPIKeyMissing)
}

func TestWithMention(t *testing.T) {
	assert.Equal(t, "@alice Thanks!", WithMention("alice", "Thanks!", 500))
	assert.Equal(t, "@Alice already there", WithMention("@alice", "@Alice already there", 500))
	assert.Equal(t, "no author", WithMention("", " no author ", 500))
	assert.Equal(t, "@bob Thank...", WithMention("bob", "Thank you so much", 13))
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "Hello & welcome\n\nSecond line\nthird", HTMLToText(`<p>Hello &amp; <a href="https://x">welcome</a></p><p>Second line<br>third</p>`))
	assert.Equal(t, "", HTMLToText(""))
}

func TestFromMastodonStatus(t *testing.T) {
	status := fromMastodonStatus(&mastodon.Status{
		ID:          "101",
		URI:         "https://social.example/statuses/101",
		Content:     "<p>Great tacos</p>",
		InReplyToID: "99",
		Account:     mastodon.Account{ID: "7", Acct: "carol@food.social"},
	})
	assert.Equal(t, "101", status.ID)
	assert.Equal(t, "https://social.example/statuses/101", status.URL)
	assert.Equal(t, "Great tacos", status.Content)
	assert.Equal(t, "99", status.InReplyToID)
	assert.Equal(t, "7", status.AccountID)
	assert.Equal(t, "carol@food.social", status.AccountAcct)

	assert.Empty(t, fromMastodonStatus(&mastodon.Status{ID: "1"}).InReplyToID)

	_, err := NewMastodonClient("", "token", nil)
	assert.ErrorIs(t, err, ErrAPIKeyMissing)
}
