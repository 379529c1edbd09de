package discovery

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SearchQuery selects and ranks indexed content.
type SearchQuery struct {
	Terms       []string
	ContentType string
	Tags        []string
	From        time.Time
	To          time.Time
	MinSize     uint64
	MaxSize     uint64
	Limit       int
	Offset      int
}

// CacheKey canonicalizes the query: terms and tags are lowercased and
// sorted so equivalent queries share one cache slot.
func (q SearchQuery) CacheKey() string {
	terms := normalize(q.Terms)
	tags := normalize(q.Tags)
	var from, to int64
	if !q.From.IsZero() {
		from = q.From.Unix()
	}
	if !q.To.IsZero() {
		to = q.To.Unix()
	}
	return fmt.Sprintf("terms=%s|type=%s|tags=%s|time=%d-%d|size=%d-%d|page=%d+%d",
		strings.Join(terms, ","), strings.ToLower(q.ContentType), strings.Join(tags, ","),
		from, to, q.MinSize, q.MaxSize, q.Offset, q.Limit)
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
