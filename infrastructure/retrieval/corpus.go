// Package retrieval supplies supporting documents for a query from a local
// YAML corpus, with an optional shared cache in front of it.
package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-concord/internal/domain"
)

// ErrClosed is returned by Reload after Close.
var ErrClosed = errors.New("retrieval: supplier is closed")

// DefaultIntent labels queries that match no intent rule.
const DefaultIntent = "general"

// Document is one corpus entry.
type Document struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Content  string   `yaml:"content"`
	Keywords []string `yaml:"keywords"`
}

// IntentRule labels a query with Intent when any keyword occurs in it.
type IntentRule struct {
	Intent   string   `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
}

// Corpus is the YAML file layout.
type Corpus struct {
	Documents []Document   `yaml:"documents"`
	Intents   []IntentRule `yaml:"intents"`
}

// ParseCorpus decodes a corpus strictly. Documents without an ID get their
// position as ID.
func ParseCorpus(data []byte) (*Corpus, error) {
	var c Corpus
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("corpus decode failed: %w", err)
	}
	for i := range c.Documents {
		d := &c.Documents[i]
		if strings.TrimSpace(d.Title) == "" {
			return nil, fmt.Errorf("document %d: title is required", i)
		}
		if d.ID == "" {
			d.ID = fmt.Sprintf("doc-%03d", i)
		}
	}
	return &c, nil
}

// indexedDoc caches the folded terms of a document.
type indexedDoc struct {
	doc      Document
	keywords []string
	title    map[string]struct{}
	content  map[string]struct{}
}

type index struct {
	docs    []indexedDoc
	intents []IntentRule
}

func newIndex(c *Corpus) *index {
	idx := &index{intents: c.Intents}
	for _, d := range c.Documents {
		kws := make([]string, 0, len(d.Keywords))
		for _, k := range d.Keywords {
			if k = fold(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		idx.docs = append(idx.docs, indexedDoc{
			doc:      d,
			keywords: kws,
			title:    termSet(d.Title),
			content:  termSet(d.Content),
		})
	}
	return idx
}

// Match weights.
const (
	keywordWeight = 3
	titleWeight   = 2
	contentWeight = 1
)

type scored struct {
	doc   Document
	score int
}

func (idx *index) rank(query string, topK int) []Document {
	folded := fold(query)
	terms := tokenize(query)

	var hits []scored
	for _, d := range idx.docs {
		s := 0
		for _, k := range d.keywords {
			if strings.Contains(folded, k) {
				s += keywordWeight
			}
		}
		for _, t := range terms {
			if _, ok := d.title[t]; ok {
				s += titleWeight
			}
			if _, ok := d.content[t]; ok {
				s += contentWeight
			}
		}
		if s > 0 {
			hits = append(hits, scored{doc: d.doc, score: s})
		}
	}

	slices.SortStableFunc(hits, func(a, b scored) int {
		if a.score != b.score {
			return b.score - a.score
		}
		return strings.Compare(a.doc.ID, b.doc.ID)
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]Document, len(hits))
	for i, h := range hits {
		out[i] = h.doc
	}
	return out
}

func (idx *index) intent(query string) string {
	folded := fold(query)
	for _, rule := range idx.intents {
		for _, k := range rule.Keywords {
			if k = fold(strings.TrimSpace(k)); k != "" && strings.Contains(folded, k) {
				return rule.Intent
			}
		}
	}
	return DefaultIntent
}

// CorpusSupplier ranks corpus documents by keyword overlap with the query.
// It is safe for concurrent use and may reload its corpus while serving.
type CorpusSupplier struct {
	path     string
	topK     int
	debounce time.Duration
	watch    bool
	logger   *zap.Logger

	mu     sync.RWMutex
	idx    *index
	closed bool

	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// CorpusOption configures a CorpusSupplier.
type CorpusOption func(*CorpusSupplier)

// WithTopK caps the number of returned snippets. Zero returns every match.
func WithTopK(k int) CorpusOption {
	return func(s *CorpusSupplier) { s.topK = k }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CorpusOption {
	return func(s *CorpusSupplier) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWatch reloads the corpus when its file changes. Bursts of events
// within debounce collapse into one reload.
func WithWatch(debounce time.Duration) CorpusOption {
	return func(s *CorpusSupplier) {
		s.watch = true
		if debounce > 0 {
			s.debounce = debounce
		}
	}
}

// DefaultDebounce is the reload debounce used by WithWatch(0).
const DefaultDebounce = 200 * time.Millisecond

// NewCorpusSupplier loads the corpus at path.
func NewCorpusSupplier(path string, opts ...CorpusOption) (*CorpusSupplier, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve corpus path: %w", err)
	}
	s := &CorpusSupplier{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("corpus", abs))

	if err := s.Reload(); err != nil {
		return nil, err
	}
	if s.watch {
		if err := s.startWatch(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GetContext returns the top ranked documents as snippets, the formatted
// prompt blob and the query intent.
func (s *CorpusSupplier) GetContext(ctx context.Context, query string) (domain.RetrievedContext, error) {
	if err := ctx.Err(); err != nil {
		return domain.RetrievedContext{}, err
	}
	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()

	docs := idx.rank(query, s.topK)
	snippets := make([]domain.Snippet, len(docs))
	for i, d := range docs {
		snippets[i] = domain.Snippet{Title: d.Title, Content: strings.TrimSpace(d.Content)}
	}
	return domain.RetrievedContext{
		Blob:     FormatBlob(snippets),
		Snippets: snippets,
		Intent:   idx.intent(query),
	}, nil
}

// FormatBlob renders snippets as markdown sections for generator prompts.
func FormatBlob(snippets []domain.Snippet) string {
	var b strings.Builder
	for i, sn := range snippets {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n%s", sn.Title, sn.Content)
	}
	return b.String()
}

// Reload re-reads the corpus file. On error the previous corpus stays
// in service.
func (s *CorpusSupplier) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read corpus: %w", err)
	}
	c, err := ParseCorpus(data)
	if err != nil {
		return err
	}
	idx := newIndex(c)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.idx = idx
	return nil
}

// Len returns the number of loaded documents.
func (s *CorpusSupplier) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idx.docs)
}

// Close stops watching. GetContext keeps serving the last corpus.
func (s *CorpusSupplier) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	w := s.watcher
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-s.done
	return err
}

// startWatch watches the parent directory so that editors replacing the
// file by rename are seen.
func (s *CorpusSupplier) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create corpus watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch corpus: %w", err)
	}
	s.watcher = w
	go s.run()
	return nil
}

func (s *CorpusSupplier) run() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				s.scheduleReload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("corpus watch error", zap.Error(err))
		}
	}
}

func (s *CorpusSupplier) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Reload(); err != nil {
			if !errors.Is(err, ErrClosed) {
				s.logger.Warn("corpus reload failed; keeping previous corpus", zap.Error(err))
			}
			return
		}
		s.logger.Info("corpus reloaded", zap.Int("documents", s.Len()))
	})
}

func fold(s string) string { return cases.Fold().String(s) }

// minTermLength drops short function words from term matching.
const minTermLength = 3

func tokenize(s string) []string {
	fields := strings.FieldsFunc(fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= minTermLength {
			out = append(out, f)
		}
	}
	return out
}

func termSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenize(s) {
		set[t] = struct{}{}
	}
	return set
}
