package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/store"
)

// timeNow is a package-level variable for testability.
var timeNow = time.Now

// Writer is the part of the store the ingestor writes through.
type Writer interface {
	LatestConversation(ctx context.Context, channel string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, p store.NewConversation) (*store.Conversation, error)
	InsertSegment(ctx context.Context, in store.SegmentInput) (*store.Segment, error)
}

// Input is a segment tagged with its capture channel. A non-empty
// ConversationID bypasses grouping.
type Input struct {
	Channel string `json:"channel,omitempty"`
	store.SegmentInput
}

// Result reports where a segment was stored.
type Result struct {
	Segment         *store.Segment `json:"segment"`
	ConversationID  string         `json:"conversation_id"`
	NewConversation bool           `json:"new_conversation"`
}

// Ingestor serializes segment ingestion and owns per-channel state.
type Ingestor struct {
	w   Writer
	gap time.Duration
	log *zap.Logger

	mu       sync.Mutex
	channels map[string]State
}

// New returns an Ingestor grouping by gap.
func New(w Writer, gap time.Duration, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{w: w, gap: gap, log: log, channels: make(map[string]State)}
}

// Append stores one segment, opening a new conversation when the channel
// is closed or the gap since its last segment is exceeded. Channel state
// only advances when the write succeeds.
func (g *Ingestor) Append(ctx context.Context, in Input) (*Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if in.SpokenAt.IsZero() {
		in.SpokenAt = timeNow()
	}
	if in.Channel == "" {
		in.Channel = store.DefaultChannel
	}

	if in.ConversationID != "" {
		seg, err := g.w.InsertSegment(ctx, in.SegmentInput)
		if err != nil {
			return nil, err
		}
		return &Result{Segment: seg, ConversationID: in.ConversationID}, nil
	}

	st, err := g.state(ctx, in.Channel)
	if err != nil {
		return nil, err
	}
	next, decision := Step(st, in.SpokenAt, g.gap)

	res := &Result{}
	if decision == StartNew {
		conv, err := g.w.CreateConversation(ctx, store.NewConversation{Channel: in.Channel, StartTime: in.SpokenAt})
		if err != nil {
			return nil, err
		}
		next.ConversationID = conv.ID
		res.NewConversation = true
		g.log.Debug("conversation boundary",
			zap.String("channel", in.Channel),
			zap.String("conversation", conv.ID),
			zap.Stringer("decision", decision))
	}

	in.ConversationID = next.ConversationID
	seg, err := g.w.InsertSegment(ctx, in.SegmentInput)
	if err != nil {
		return nil, err
	}
	g.channels[in.Channel] = next
	res.Segment = seg
	res.ConversationID = next.ConversationID
	return res, nil
}

// state returns the channel's state, seeding it from the latest stored
// conversation on first use.
func (g *Ingestor) state(ctx context.Context, channel string) (State, error) {
	if st, ok := g.channels[channel]; ok {
		return st, nil
	}
	conv, err := g.w.LatestConversation(ctx, channel)
	if errors.Is(err, store.ErrNotFound) {
		return State{Phase: PhaseClosed}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("seed channel %s: %w", channel, err)
	}
	last, err := store.ParseTime(conv.EndTime)
	if err != nil {
		return State{}, fmt.Errorf("seed channel %s: %w", channel, err)
	}
	return State{Phase: PhaseOpen, ConversationID: conv.ID, LastAt: last}, nil
}

// CloseChannel ends the channel's open conversation; the next segment on
// it starts a new one.
func (g *Ingestor) CloseChannel(channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if channel == "" {
		channel = store.DefaultChannel
	}
	g.channels[channel] = Close(g.channels[channel])
}

// ChannelState returns a copy of the channel's current state.
func (g *Ingestor) ChannelState(channel string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.channels[channel]
	return st, ok
}
