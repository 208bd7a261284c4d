// Package gateway sequences one query through the pipeline:
//
//	extract → classify → session context → build → validate → execute → format
//
// and writes one history record per call, whatever the outcome. Security
// rejections end the request; only storage unavailability is retried.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yeager620/savant-ai-sub000/internal/builder"
	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/executor"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/format"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
	"github.com/yeager620/savant-ai-sub000/internal/security"
	"github.com/yeager620/savant-ai-sub000/internal/session"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

// Store is the part of the transcript store the gateway reads and logs to.
type Store interface {
	KnownSpeakers(ctx context.Context) ([]store.NameRef, error)
	RecordQuery(ctx context.Context, r store.QueryHistoryRecord) (string, error)
	SegmentEmbeddings(ctx context.Context, ids []int64) (map[int64][]float32, error)
}

// Runner executes validated queries.
type Runner interface {
	Run(ctx context.Context, v *security.Validated) (*executor.Result, error)
}

// Embedder turns text into a vector comparable with segment embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps are the gateway's collaborators. Embedder is optional.
type Deps struct {
	Store      Store
	Extractor  *extract.Extractor
	Classifier *intent.Classifier
	Sessions   *session.Manager
	Validator  *security.Validator
	Runner     Runner
	Embedder   Embedder
	Log        *zap.Logger
}

// Options tunes retries and paging.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	PageSize     int
	Now          func() time.Time
}

// Gateway is safe for concurrent use.
type Gateway struct {
	store      Store
	extractor  *extract.Extractor
	classifier *intent.Classifier
	sessions   *session.Manager
	validator  *security.Validator
	runner     Runner
	embedder   Embedder
	log        *zap.Logger

	retries  int
	backoff  time.Duration
	pageSize int
	now      func() time.Time

	known singleflight.Group
}

// New wires a Gateway.
func New(d Deps, opts Options) *Gateway {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSize <= 0 {
		opts.PageSize = builder.DefaultPageSize
	}
	return &Gateway{
		store:      d.Store,
		extractor:  d.Extractor,
		classifier: d.Classifier,
		sessions:   d.Sessions,
		validator:  d.Validator,
		runner:     d.Runner,
		embedder:   d.Embedder,
		log:        d.Log,
		retries:    opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		pageSize:   opts.PageSize,
		now:        opts.Now,
	}
}

// Request is a free-text question.
type Request struct {
	SessionID string `json:"session_id,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Query     string `json:"query"`
	Page      int    `json:"page,omitempty"`
	PageSize  int    `json:"page_size,omitempty"`
}

// Plan is a structured query that skips classification. An empty Variant
// lets the builder choose.
type Plan struct {
	SessionID   string           `json:"session_id,omitempty"`
	Caller      string           `json:"caller,omitempty"`
	Description string           `json:"description"`
	Intent      intent.Intent    `json:"intent"`
	Variant     string           `json:"variant,omitempty"`
	Entities    extract.Entities `json:"entities"`
	Page        int              `json:"page,omitempty"`
	PageSize    int              `json:"page_size,omitempty"`
	// Rerank orders search hits by semantic similarity to RerankText.
	Rerank     bool   `json:"rerank,omitempty"`
	RerankText string `json:"rerank_text,omitempty"`
}

// call is the audit state of one request.
type call struct {
	rec   store.QueryHistoryRecord
	start time.Time
}

// Ask answers a natural-language query.
func (g *Gateway) Ask(ctx context.Context, req Request) (resp *format.Response, err error) {
	c := g.begin(req.SessionID, req.Caller, req.Query)
	defer func() { g.finish(ctx, c, resp, err) }()

	if strings.TrimSpace(req.Query) == "" {
		return nil, errs.New(errs.ParseError, "empty query")
	}

	turn, err := g.acquire(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if turn != nil {
		defer turn.Release()
	}

	if security.LooksLikeStatement(req.Query) {
		return g.raw(ctx, c, req)
	}

	known, err := g.knownSpeakers(ctx)
	if err != nil {
		return nil, err
	}
	ents := g.extractor.Extract(req.Query, known)
	cls := g.classifier.Classify(ctx, req.Query, ents)
	applyModelParameters(cls, ents)

	in := cls.Intent
	if turn != nil {
		res := turn.Resolve(req.Query, ents)
		ents = res.Entities
		if in == intent.Unknown && res.FollowUp {
			in = res.LastIntent
		}
	}
	c.rec.Intent = string(in)
	g.log.Debug("query classified",
		zap.String("intent", string(in)),
		zap.Float64("confidence", cls.Confidence),
		zap.String("rule", cls.Rule),
		zap.String("source", string(cls.Source)))

	if in == intent.Unknown {
		return nil, errs.New(errs.ParseError, "could not understand the question")
	}

	variant := ""
	if in == intent.AnalyzeSpeaker && cls.Rule == "relationships" && ents.Has(extract.KindSpeaker) {
		variant = "relationships"
	}
	resp, err = g.execute(ctx, c, Plan{
		Caller:      req.Caller,
		Description: req.Query,
		Intent:      in,
		Variant:     variant,
		Entities:    ents,
		Page:        req.Page,
		PageSize:    req.PageSize,
		Rerank:      in == intent.SearchContent,
		RerankText:  req.Query,
	})
	if err == nil && turn != nil && len(resp.Ambiguities) == 0 {
		turn.Record(in, ents)
	}
	return resp, err
}

// Run executes a structured plan.
func (g *Gateway) Run(ctx context.Context, p Plan) (resp *format.Response, err error) {
	c := g.begin(p.SessionID, p.Caller, p.Description)
	c.rec.Intent = string(p.Intent)
	defer func() { g.finish(ctx, c, resp, err) }()

	if _, ok := intent.Parse(string(p.Intent)); !ok {
		return nil, errs.New(errs.ParseError, "unknown intent %q", p.Intent)
	}
	turn, err := g.acquire(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if turn != nil {
		defer turn.Release()
	}
	if p.Entities == nil {
		p.Entities = extract.Entities{}
	}
	resp, err = g.execute(ctx, c, p)
	if err == nil && turn != nil && len(resp.Ambiguities) == 0 {
		turn.Record(p.Intent, p.Entities)
	}
	return resp, err
}

func (g *Gateway) execute(ctx context.Context, c *call, p Plan) (*format.Response, error) {
	if amb := ambiguities(p.Entities); len(amb) > 0 {
		c.rec.Variant = "ambiguous"
		return format.Ambiguous(p.Intent, p.Description, amb), nil
	}

	page := builder.Page{Number: p.Page, Size: p.PageSize}
	if page.Size <= 0 {
		page.Size = g.pageSize
	}
	// A page larger than the result cap would skip rows between the cap
	// and the requested size.
	if max := g.validator.Policy().MaxResults; max > 0 && page.Size > max {
		page.Size = max
	}

	var (
		q   *builder.Query
		err error
	)
	if p.Variant != "" {
		q, err = builder.BuildVariant(p.Intent, p.Variant, p.Entities, page)
	} else {
		q, err = builder.Build(p.Intent, p.Entities, page)
	}
	if err != nil {
		return nil, err
	}
	c.rec.Variant = q.Variant
	c.rec.ResolvedQuery = q.SQL

	v, err := g.validator.Validate(callerOf(p.Caller), q.SQL, q.Params)
	if err != nil {
		return nil, err
	}
	res, err := g.runWithRetry(ctx, v)
	if err != nil {
		return nil, err
	}

	switch {
	case q.Variant == "relationships":
		decayStrength(res.Rows, g.now())
	case p.Rerank && g.embedder != nil:
		g.rerank(ctx, p.RerankText, res.Rows)
	}
	return format.Format(p.Intent, q.Variant, res, p.Description).WithPage(q.Page.Number, q.Page.Size), nil
}

// raw validates SQL text typed as a question. It is run as-is only when it
// passes every check.
func (g *Gateway) raw(ctx context.Context, c *call, req Request) (*format.Response, error) {
	c.rec.Intent = string(intent.Unknown)
	c.rec.Variant = "raw"
	v, err := g.validator.Validate(callerOf(req.Caller), req.Query, nil)
	if err != nil {
		return nil, err
	}
	c.rec.ResolvedQuery = v.SQL
	res, err := g.runWithRetry(ctx, v)
	if err != nil {
		return nil, err
	}
	return format.Format(intent.Unknown, "raw", res, req.Query), nil
}

func (g *Gateway) acquire(ctx context.Context, id string) (*session.Turn, error) {
	if id == "" || g.sessions == nil {
		return nil, nil
	}
	turn, err := g.sessions.Acquire(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "waiting for session")
	}
	return turn, nil
}

// runWithRetry retries StorageUnavailable with exponential backoff. The
// statement is the one already validated; nothing is rewritten.
func (g *Gateway) runWithRetry(ctx context.Context, v *security.Validated) (*executor.Result, error) {
	delay := g.backoff
	for attempt := 0; ; attempt++ {
		res, err := g.runner.Run(ctx, v)
		if err == nil || !errs.Retryable(err) || attempt >= g.retries {
			return res, err
		}
		g.log.Warn("storage unavailable, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.StorageUnavailable, ctx.Err(), "gave up waiting for storage")
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// knownSpeakers loads the name snapshot, sharing one load between
// concurrent callers.
func (g *Gateway) knownSpeakers(ctx context.Context) ([]extract.Known, error) {
	v, err, _ := g.known.Do("known", func() (any, error) {
		refs, err := g.store.KnownSpeakers(ctx)
		if err != nil {
			return nil, err
		}
		known := make([]extract.Known, 0, len(refs))
		ids := map[string]bool{}
		for _, r := range refs {
			known = append(known, extract.Known{Name: r.Name, SpeakerID: r.SpeakerID, Alias: r.Alias})
			ids[r.SpeakerID] = true
		}
		// Ids are names too, so a question can pick one of several
		// speakers sharing a display name.
		for _, r := range refs {
			if ids[r.SpeakerID] {
				delete(ids, r.SpeakerID)
				known = append(known, extract.Known{Name: r.SpeakerID, SpeakerID: r.SpeakerID, Alias: true})
			}
		}
		return known, nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, err, "loading known speakers")
	}
	return v.([]extract.Known), nil
}

// SpeakerEntities resolves a name or id typed into a structured tool. An
// id yields one entity; a name shared by several speakers yields one
// ambiguous entity per speaker; an unknown value yields an unresolved
// entity, which matches nothing.
func (g *Gateway) SpeakerEntities(ctx context.Context, nameOrID string) ([]extract.Entity, error) {
	known, err := g.knownSpeakers(ctx)
	if err != nil {
		return nil, err
	}
	nameOrID = strings.TrimSpace(nameOrID)
	ent := extract.Entity{Kind: extract.KindSpeaker, Value: nameOrID, Display: nameOrID, Rule: "argument"}
	for _, k := range known {
		if k.SpeakerID == nameOrID {
			ent.Resolved = true
			return []extract.Entity{ent}, nil
		}
	}
	var (
		out  []extract.Entity
		seen = map[string]bool{}
	)
	for _, k := range known {
		if strings.EqualFold(k.Name, nameOrID) && !seen[k.SpeakerID] {
			seen[k.SpeakerID] = true
			match := ent
			match.Value = k.SpeakerID
			match.Resolved = true
			out = append(out, match)
		}
	}
	switch len(out) {
	case 0:
		return []extract.Entity{ent}, nil
	case 1:
		return out, nil
	}
	for i := range out {
		out[i].Ambiguous = true
	}
	return out, nil
}

// ambiguities groups ambiguous speaker entities by the name that matched
// them. A query naming such a speaker is answered with the candidates
// instead of rows for an arbitrary one of them.
func ambiguities(ents extract.Entities) []format.Ambiguity {
	var (
		out   []format.Ambiguity
		index = map[string]int{}
	)
	for _, e := range ents[extract.KindSpeaker] {
		if !e.Ambiguous || !e.Resolved {
			continue
		}
		key := strings.ToLower(e.Display)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, format.Ambiguity{Kind: string(extract.KindSpeaker), Mention: e.Display})
		}
		out[i].Candidates = append(out[i].Candidates, e.Value)
	}
	return out
}

func (g *Gateway) begin(sessionID, caller, query string) *call {
	return &call{
		start: g.now(),
		rec: store.QueryHistoryRecord{
			SessionID: sessionID,
			Caller:    caller,
			RawQuery:  query,
			Intent:    string(intent.Unknown),
		},
	}
}

// finish writes the history record. A failure to log never replaces the
// query's own outcome.
func (g *Gateway) finish(ctx context.Context, c *call, resp *format.Response, err error) {
	c.rec.DurationMs = g.now().Sub(c.start).Milliseconds()
	if err != nil {
		c.rec.Success = false
		c.rec.ErrorKind = string(errs.KindOf(err))
		c.rec.ErrorDetail = err.Error()
		g.log.Info("query failed",
			zap.String("kind", c.rec.ErrorKind),
			zap.String("intent", c.rec.Intent),
			zap.Int64("duration_ms", c.rec.DurationMs))
	} else {
		c.rec.Success = true
		if resp != nil {
			c.rec.ResultCount = resp.RowCount
		}
	}
	if _, lerr := g.store.RecordQuery(context.WithoutCancel(ctx), c.rec); lerr != nil {
		g.log.Error("failed to record query history", zap.Error(lerr))
	}
}

func callerOf(caller string) string {
	if caller == "" {
		return "anonymous"
	}
	return caller
}

// applyModelParameters adds a term suggested by the language model when
// the rules found none.
func applyModelParameters(cls intent.Classification, ents extract.Entities) {
	if cls.Source != intent.SourceModel || ents.Has(extract.KindTerm) || ents.Has(extract.KindTopic) {
		return
	}
	for _, key := range []string{"term", "topic"} {
		if v := strings.TrimSpace(cls.Parameters[key]); v != "" {
			ents.Add(extract.Entity{Kind: extract.KindTerm, Value: v, Rule: "model", Resolved: true})
			return
		}
	}
}

// IsRejection reports whether err is a security rejection.
func IsRejection(err error) bool {
	var e *errs.Error
	return errors.As(err, &e) && errs.IsSecurity(e.Kind)
}
