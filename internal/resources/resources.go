// Package resources implements MCP resource handlers for discovery.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (savant://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yeager620/savant-ai-sub000/internal/builder"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

const (
	schemaURI        = "savant://schema"
	speakersURI      = "savant://speakers"
	conversationsURI = "savant://conversations"
	conversationTmpl = "savant://conversations/{id}"

	recentConversations = 50
)

// Store is the part of the transcript store the resources read.
type Store interface {
	ListSpeakers(ctx context.Context, includeMerged bool) ([]store.Speaker, error)
	ListConversations(ctx context.Context, limit int) ([]store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	SegmentsForConversation(ctx context.Context, convID string) ([]store.Segment, error)
}

// Schema describes what queries may touch.
type Schema interface {
	Schema() map[string][]string
}

// Handler manages the resource endpoints.
type Handler struct {
	store  Store
	schema Schema
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(st Store, schema Schema) *Handler {
	return &Handler{store: st, schema: schema}
}

// SchemaResource returns the MCP resource definition for the query schema.
func (h *Handler) SchemaResource() mcp.Resource {
	return mcp.NewResource(
		schemaURI,
		"Queryable Schema",
		mcp.WithResourceDescription("Tables and columns visible to queries, and the question shapes each intent understands"),
		mcp.WithMIMEType("application/json"),
	)
}

// SpeakersResource returns the MCP resource definition for the speaker list.
func (h *Handler) SpeakersResource() mcp.Resource {
	return mcp.NewResource(
		speakersURI,
		"Speakers",
		mcp.WithResourceDescription("Known speakers with talk time and conversation counts"),
		mcp.WithMIMEType("application/json"),
	)
}

// ConversationsResource returns the MCP resource definition for recent
// conversations.
func (h *Handler) ConversationsResource() mcp.Resource {
	return mcp.NewResource(
		conversationsURI,
		"Recent Conversations",
		mcp.WithResourceDescription(fmt.Sprintf("The %d most recent conversations", recentConversations)),
		mcp.WithMIMEType("application/json"),
	)
}

// ConversationTemplate returns the MCP resource template for one
// conversation with its segments.
func (h *Handler) ConversationTemplate() mcp.ResourceTemplate {
	return mcp.NewResourceTemplate(
		conversationTmpl,
		"Conversation",
		mcp.WithTemplateDescription("One conversation with its transcript segments"),
		mcp.WithTemplateMIMEType("application/json"),
	)
}

type schemaDoc struct {
	Tables  map[string][]string `json:"tables"`
	Intents []intentDoc         `json:"intents"`
}

type intentDoc struct {
	Intent   string   `json:"intent"`
	Variant  string   `json:"variant"`
	Examples []string `json:"examples"`
	Requires []string `json:"requires,omitempty"`
}

// HandleSchema returns the whitelist and the intent catalog.
func (h *Handler) HandleSchema(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	doc := schemaDoc{Tables: h.schema.Schema()}
	for _, t := range builder.Catalog() {
		doc.Intents = append(doc.Intents, intentDoc{
			Intent:   string(t.Intent),
			Variant:  t.Variant,
			Examples: t.Examples,
			Requires: t.Required,
		})
	}
	return jsonResource(req.Params.URI, doc)
}

// HandleSpeakers returns live speakers, most talkative first.
func (h *Handler) HandleSpeakers(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	speakers, err := h.store.ListSpeakers(ctx, false)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	sort.SliceStable(speakers, func(i, j int) bool {
		return speakers[i].TotalTalkTime > speakers[j].TotalTalkTime
	})
	return jsonResource(req.Params.URI, speakers)
}

// HandleConversations returns the most recent conversations.
func (h *Handler) HandleConversations(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	convs, err := h.store.ListConversations(ctx, recentConversations)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, convs)
}

type conversationDoc struct {
	*store.Conversation
	Segments []store.Segment `json:"segments"`
}

// HandleConversation returns one conversation and its segments.
func (h *Handler) HandleConversation(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(req.Params.URI, conversationsURI+"/")
	if id == "" || id == req.Params.URI {
		return errorResource(req.Params.URI, "conversation id is required"), nil
	}
	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	segs, err := h.store.SegmentsForConversation(ctx, id)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, conversationDoc{Conversation: conv, Segments: segs})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
