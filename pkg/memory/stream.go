// Package memory implements the agent's episodic memory stream.
//
// The stream is an append-only JSONL log of scored, embedded entries with
// three-factor weighted retrieval (recency, importance, relevance) and an
// accumulating pressure counter that triggers periodic consolidation. The log
// on disk is the source of truth; the in-memory index is rebuilt from it on
// open.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftlab/vivarium/pkg/embedder"
	"github.com/driftlab/vivarium/pkg/llm"
)

const (
	streamFilename = "memory_stream.jsonl"
	stateFilename  = "memory_state.json"

	// Retrieval weights. Relevance-dominant so semantic match outweighs age.
	wRecency    = 0.3
	wImportance = 0.2
	wRelevance  = 0.5

	// Reflections get this multiplier on their retrieval score so synthesized
	// insights don't crowd out raw observations.
	reflectionWeight = 0.5
)

// Kind classifies a memory entry.
type Kind string

const (
	KindObservation Kind = "observation"
	KindReflection  Kind = "reflection"
	KindJournal     Kind = "journal"
)

// Entry is one memory. Entries are immutable once appended.
type Entry struct {
	// ID is strictly increasing and never reused across restarts.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`

	// Importance is model-assigned, 1-10.
	Importance int `json:"importance"`

	// Depth is 0 for primary observations, >=1 for reflections derived from
	// other entries.
	Depth int `json:"depth"`

	// References holds source entry ids; empty unless a reflection.
	References []string `json:"references"`

	// Embedding may be empty if embedding failed.
	Embedding []float64 `json:"embedding,omitempty"`
}

// streamState is the sidecar persisted via atomic replace.
type streamState struct {
	ImportanceSum float64 `json:"importance_sum"`
}

// Options configures a Stream.
type Options struct {
	// Scorer rates entry importance. Nil skips scoring (neutral 5).
	Scorer llm.Provider

	// Embedder computes entry and query vectors. Nil skips embedding.
	Embedder embedder.Provider

	Logger *zap.Logger

	// DecayRate is the per-hour recency survival rate. Default 0.995.
	DecayRate float64

	// ConsolidateThreshold is the pressure at which ShouldConsolidate fires.
	// Default 50.
	ConsolidateThreshold float64

	// DefaultTopK is the retrieval count when the caller passes 0. Default 3.
	DefaultTopK int
}

// Stream is a single-writer memory stream rooted in one directory.
type Stream struct {
	path      string
	statePath string

	scorer llm.Provider
	emb    embedder.Provider
	log    *zap.Logger

	decayRate float64
	threshold float64
	topK      int

	entries       []Entry
	importanceSum float64
	nextID        int

	now func() time.Time
}

// Open loads an existing stream from dir, creating state for a fresh one.
//
// Corrupt log lines are skipped with a warning; the next id is recovered from
// the highest persisted id so identifiers stay strictly increasing across
// restarts.
func Open(dir string, opts Options) (*Stream, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stream{
		path:      filepath.Join(dir, streamFilename),
		statePath: filepath.Join(dir, stateFilename),
		scorer:    opts.Scorer,
		emb:       opts.Embedder,
		log:       log,
		decayRate: opts.DecayRate,
		threshold: opts.ConsolidateThreshold,
		topK:      opts.DefaultTopK,
		now:       time.Now,
	}
	if s.decayRate == 0 {
		s.decayRate = 0.995
	}
	if s.threshold == 0 {
		s.threshold = 50
	}
	if s.topK == 0 {
		s.topK = 3
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	log.Info("memory stream loaded",
		zap.Int("entries", len(s.entries)),
		zap.Float64("pressure", s.importanceSum))
	return s, nil
}

func (s *Stream) load() error {
	f, err := os.Open(s.path)
	switch {
	case err == nil:
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var e Entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				s.log.Warn("skipping corrupt memory entry", zap.Error(err))
				continue
			}
			s.entries = append(s.entries, e)
		}
		if err := scanner.Err(); err != nil {
			return &StreamError{Op: "load", Err: err}
		}
	case os.IsNotExist(err):
		// fresh stream
	default:
		return &StreamError{Op: "load", Err: err}
	}

	for _, e := range s.entries {
		if n, ok := parseID(e.ID); ok && n >= s.nextID {
			s.nextID = n + 1
		}
	}

	s.loadState()
	return nil
}

func (s *Stream) loadState() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return
	}
	var st streamState
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn("could not restore memory state", zap.Error(err))
		return
	}
	s.importanceSum = st.ImportanceSum
}

// saveState persists the pressure counter via temp-file-then-rename so a
// crash mid-write cannot leave a half-written file.
func (s *Stream) saveState() error {
	data, err := json.Marshal(streamState{ImportanceSum: s.importanceSum})
	if err != nil {
		return &StreamError{Op: "saveState", Err: err}
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &StreamError{Op: "saveState", Err: err}
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return &StreamError{Op: "saveState", Err: err}
	}
	return nil
}

// Add scores, embeds, and appends a new entry.
//
// Importance scoring and embedding are each best-effort: a scoring failure
// falls back to the neutral mid-value, an embedding failure yields an empty
// vector. Only a failure to append to the durable log is returned as an
// error.
func (s *Stream) Add(ctx context.Context, content string, kind Kind, depth int, references []string) (*Entry, error) {
	importance := s.scoreImportance(ctx, content)

	var embedding []float64
	if s.emb != nil {
		var err error
		embedding, err = s.emb.Embed(ctx, content)
		if err != nil {
			s.log.Warn("embedding failed", zap.Error(err))
			embedding = nil
		}
	}

	if references == nil {
		references = []string{}
	}
	entry := Entry{
		ID:         fmt.Sprintf("m_%04d", s.nextID),
		Timestamp:  s.now(),
		Kind:       kind,
		Content:    content,
		Importance: importance,
		Depth:      depth,
		References: references,
		Embedding:  embedding,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, &StreamError{Op: "Add", Err: err}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &StreamError{Op: "Add", Err: err}
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, &StreamError{Op: "Add", Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &StreamError{Op: "Add", Err: err}
	}

	s.entries = append(s.entries, entry)
	s.nextID++
	s.importanceSum += float64(importance)
	if err := s.saveState(); err != nil {
		s.log.Error("failed to persist memory state", zap.Error(err))
	}

	s.log.Info("memory added",
		zap.String("id", entry.ID),
		zap.String("kind", string(kind)),
		zap.Int("importance", importance))
	return &entry, nil
}

// Retrieve returns the topK entries best matching the query under
// three-factor weighted scoring. If the query embedding is unavailable the
// stream degrades to the most recent K entries rather than failing.
func (s *Stream) Retrieve(ctx context.Context, query string, topK int) []Entry {
	if topK <= 0 {
		topK = s.topK
	}
	if len(s.entries) == 0 {
		return nil
	}

	var queryEmb []float64
	if s.emb != nil {
		var err error
		queryEmb, err = s.emb.Embed(ctx, query)
		if err != nil {
			s.log.Warn("query embedding failed, falling back to recency", zap.Error(err))
			return s.Recent(topK)
		}
	}
	if len(queryEmb) == 0 {
		return s.Recent(topK)
	}

	now := s.now()
	type scored struct {
		score float64
		entry Entry
	}
	ranked := make([]scored, 0, len(s.entries))
	for _, e := range s.entries {
		ranked = append(ranked, scored{score: s.score(e, queryEmb, now), entry: e})
	}

	// Stable sort: ties keep insertion order.
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]Entry, topK)
	for i := 0; i < topK; i++ {
		out[i] = ranked[i].entry
	}
	return out
}

// score combines recency, importance, and relevance for one entry.
func (s *Stream) score(e Entry, queryEmb []float64, now time.Time) float64 {
	hoursAgo := now.Sub(e.Timestamp).Hours()
	if hoursAgo < 0 {
		hoursAgo = 0
	}
	recency := math.Exp(-(1 - s.decayRate) * hoursAgo)

	importance := float64(e.Importance) / 10.0

	relevance := 0.0
	if len(e.Embedding) > 0 {
		relevance = math.Max(0, cosine(queryEmb, e.Embedding))
	}

	score := wRecency*recency + wImportance*importance + wRelevance*relevance
	if e.Kind == KindReflection {
		score *= reflectionWeight
	}
	return score
}

// Recent returns the last n entries in insertion order.
func (s *Stream) Recent(n int) []Entry {
	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// RecentKind returns the last n entries of one kind in insertion order.
func (s *Stream) RecentKind(n int, kind Kind) []Entry {
	var filtered []Entry
	for _, e := range s.entries {
		if e.Kind == kind {
			filtered = append(filtered, e)
		}
	}
	if n > len(filtered) {
		n = len(filtered)
	}
	return filtered[len(filtered)-n:]
}

// Len returns the number of loaded entries.
func (s *Stream) Len() int { return len(s.entries) }

// Pressure returns the accumulated importance since the last consolidation.
func (s *Stream) Pressure() float64 { return s.importanceSum }

// ShouldConsolidate reports whether accumulated pressure has reached the
// consolidation threshold.
func (s *Stream) ShouldConsolidate() bool {
	return s.importanceSum >= s.threshold
}

// ResetPressure zeroes the counter; called only after a consolidation pass.
func (s *Stream) ResetPressure() {
	s.importanceSum = 0
	if err := s.saveState(); err != nil {
		s.log.Error("failed to persist memory state", zap.Error(err))
	}
}

func parseID(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "m_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// cosine computes cosine similarity; zero if either vector has zero norm.
func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, x := range a {
		normA += x * x
	}
	for _, x := range b {
		normB += x * x
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
