package tumblr

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/mmcdole/gofeed"
)

var (
	postIDPattern = regexp.MustCompile(`/post/(\d+)`)

	// Tumblr answers a missing blog with its own HTML page; other 404s come
	// from relays and say nothing about the blog.
	blogNotFoundPattern = regexp.MustCompile(`(?is)<title>\s*not found\.?\s*</title>|there's nothing here`)
)

func isBlogNotFoundPage(body []byte) bool {
	return blogNotFoundPattern.Match(body)
}

func (c *Client) fetchFeed(ctx context.Context, handle string) (*gofeed.Feed, error) {
	target := fmt.Sprintf(c.rssURLFormat, handle)

	var parsed *gofeed.Feed
	_, err := c.relays.Fetch(ctx, target, func(status int, body []byte) error {
		if status == http.StatusNotFound && isBlogNotFoundPage(body) {
			return ErrFeedNotFound
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("unexpected status %d", status)
		}

		feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to parse feed: %w", err)
		}
		parsed = feed
		return nil
	})
	if err != nil {
		return nil, err
	}

	return parsed, nil
}

func (c *Client) rssBlogInfo(ctx context.Context, handle string) (*BlogInfo, error) {
	feed, err := c.fetchFeed(ctx, handle)
	if err != nil {
		return nil, err
	}

	return &BlogInfo{
		Name:        handle,
		Title:       feed.Title,
		Description: feed.Description,
		URL:         feed.Link,
		Posts:       len(feed.Items),
	}, nil
}

// rssPosts maps the public feed to posts. The feed carries only the most
// recent items, so any offset past the first page is empty.
func (c *Client) rssPosts(ctx context.Context, handle string, query PostsQuery) (*PostsPage, error) {
	feed, err := c.fetchFeed(ctx, handle)
	if err != nil {
		return nil, err
	}

	page := &PostsPage{
		Blog:       BlogInfo{Name: handle, Title: feed.Title, URL: feed.Link},
		TotalPosts: len(feed.Items),
	}
	if query.Offset > 0 {
		return page, nil
	}

	for _, item := range feed.Items {
		post := postFromItem(handle, item)
		if post.IDString == "" {
			continue
		}
		if query.Before > 0 && post.Timestamp >= query.Before {
			continue
		}
		page.Posts = append(page.Posts, post)
	}

	return page, nil
}

func postFromItem(handle string, item *gofeed.Item) Post {
	post := Post{
		Type:     "text",
		BlogName: handle,
		PostURL:  item.Link,
		Summary:  item.Title,
		Body:     cmp.Or(item.Content, item.Description),
		Tags:     item.Categories,
	}

	for _, candidate := range []string{item.GUID, item.Link} {
		if match := postIDPattern.FindStringSubmatch(candidate); match != nil {
			post.IDString = match[1]
			post.ID = FlexString(match[1])
			break
		}
	}

	if item.PublishedParsed != nil {
		post.Timestamp = item.PublishedParsed.Unix()
	} else if item.UpdatedParsed != nil {
		post.Timestamp = item.UpdatedParsed.Unix()
	}

	return post
}
