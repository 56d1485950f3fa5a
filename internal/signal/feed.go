package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/camuig/signal-tracker/internal/config"
)

// ParseFeed reads a feed document: a map from mint to its ordered history of
// entries. The first entry of each history is the signal. Bad entries are
// returned as errors alongside the good ones; only an unreadable document
// fails the whole call.
func ParseFeed(kind Kind, doc []byte) ([]Normalized, []error, error) {
	var histories map[string][]json.RawMessage
	if err := json.Unmarshal(doc, &histories); err != nil {
		return nil, nil, fmt.Errorf("parse %s feed: %w", kind, err)
	}

	signals := make([]Normalized, 0, len(histories))
	var errs []error
	for mint, history := range histories {
		if len(history) == 0 {
			errs = append(errs, malformed(mint, "empty history"))
			continue
		}
		env, err := Decode(kind, mint, history[0])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n, err := env.Extract()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		signals = append(signals, n)
	}

	sort.Slice(signals, func(i, j int) bool {
		if !signals[i].ObservedAt.Equal(signals[j].ObservedAt) {
			return signals[i].ObservedAt.Before(signals[j].ObservedAt)
		}
		return signals[i].Mint < signals[j].Mint
	})
	return signals, errs, nil
}

// Feed yields the current feed document of one signal type.
type Feed interface {
	Kind() Kind
	Fetch(ctx context.Context) ([]byte, error)
}

func NewFeed(kind Kind, src config.FeedSource) Feed {
	if src.URL != "" {
		return &HTTPFeed{kind: kind, url: src.URL, client: &http.Client{Timeout: 30 * time.Second}}
	}
	return &FileFeed{kind: kind, path: src.Path}
}

type FileFeed struct {
	kind Kind
	path string
}

func (f *FileFeed) Kind() Kind { return f.kind }

func (f *FileFeed) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s feed: %w", f.kind, err)
	}
	return data, nil
}

type HTTPFeed struct {
	kind   Kind
	url    string
	client *http.Client
}

func (f *HTTPFeed) Kind() Kind { return f.kind }

func (f *HTTPFeed) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s feed: %w", f.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s feed returned status %d", f.kind, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s feed: %w", f.kind, err)
	}
	return data, nil
}

// Read fetches and parses one feed.
func Read(ctx context.Context, f Feed) ([]Normalized, []error, error) {
	doc, err := f.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ParseFeed(f.Kind(), doc)
}
