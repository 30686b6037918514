package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/cache"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/transcript"
)

// Client drives one backend adapter: it assembles history, shapes the
// request through the adapter, runs the streaming exchange with fan-out
// accounting, and persists the resulting conversation nodes.
//
// A Client is safe for concurrent use across conversations. Concurrent
// turns on the same conversation id are last-writer-wins at the store
// level and should be serialized by the caller.
type Client struct {
	adapter      Adapter
	store        cache.Store
	participants conversation.Participants
	options      Options
}

type ClientOption func(*Client)

// WithStore replaces the default in-memory store. The store should be
// namespaced by the adapter name so different backends never share
// conversation ids.
func WithStore(store cache.Store) ClientOption {
	return func(c *Client) {
		c.store = store
	}
}

func WithOptions(options Options) ClientOption {
	return func(c *Client) {
		c.options = options
	}
}

// WithParticipants overlays additional label overrides on top of the
// defaults and the adapter's own overrides.
func WithParticipants(overrides conversation.Participants) ClientOption {
	return func(c *Client) {
		c.participants = c.participants.Merge(overrides)
	}
}

// New builds a client around an adapter. Options are validated up front;
// an invalid combination is a ConfigError and no client is returned.
func New(adapter Adapter, options ...ClientOption) (*Client, error) {
	ret := &Client{
		adapter:      adapter,
		store:        cache.NewMemoryStore(),
		participants: conversation.DefaultParticipants().Merge(adapter.Participants()),
		options: Options{
			N: 1,
		},
	}
	for _, option := range options {
		option(ret)
	}
	if err := ret.options.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}

// SetOptions replaces the client configuration wholesale after validating
// it. There is no partial update; callers rebuild the full Options value.
func (c *Client) SetOptions(options Options) error {
	if err := options.Validate(); err != nil {
		return err
	}
	c.options = options
	return nil
}

func (c *Client) Options() Options {
	return c.options
}

func (c *Client) Participants() conversation.Participants {
	return c.participants
}

func (c *Client) Adapter() Adapter {
	return c.adapter
}

// LoadRecord fetches and decodes the conversation record for id. Absent
// conversations yield (nil, false, nil).
func (c *Client) LoadRecord(ctx context.Context, conversationID string) (*conversation.Record, bool, error) {
	data, ok, err := c.store.Get(ctx, conversationID)
	if err != nil {
		return nil, false, errors.Wrap(err, "loading conversation")
	}
	if !ok {
		return nil, false, nil
	}
	record := &conversation.Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, false, errors.Wrap(err, "decoding conversation record")
	}
	return record, true, nil
}

// SaveRecord encodes and writes the conversation record under id.
func (c *Client) SaveRecord(ctx context.Context, conversationID string, record *conversation.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encoding conversation record")
	}
	if err := c.store.Set(ctx, conversationID, data); err != nil {
		return errors.Wrap(err, "saving conversation")
	}
	return nil
}

// History is the resolved starting point of a turn.
type History struct {
	// ConversationID is the effective id: the requested one, or a fresh
	// uuid when none was given.
	ConversationID string
	// Conversation is the loaded record, or a fresh empty record for a new
	// or absent conversation.
	Conversation *conversation.Record
	// PreviousMessages is the root→parent path in adapter normal form.
	PreviousMessages []conversation.BasicMessage
	// ResolvedParentID is the node the next user message attaches under.
	// Empty for a fresh conversation.
	ResolvedParentID string
}

// LoadHistory resolves a (conversationID, parentMessageID) pair into the
// linear context for the next turn. Parent resolution: the explicit parent
// when given, otherwise the most recently appended message, otherwise a
// fresh conversation. An explicit parent that does not exist in the record
// dangles: the walk stops there and the turn starts a new root branch.
func (c *Client) LoadHistory(ctx context.Context, conversationID string, parentMessageID string) (*History, error) {
	ret := &History{
		ConversationID: conversationID,
	}
	if ret.ConversationID == "" {
		ret.ConversationID = conversation.NewID()
	}

	record, ok, err := c.LoadRecord(ctx, ret.ConversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		ret.Conversation = conversation.NewRecord()
		return ret, nil
	}
	ret.Conversation = record

	ret.ResolvedParentID = parentMessageID
	if ret.ResolvedParentID == "" {
		ret.ResolvedParentID = record.LastMessageID()
	}
	if ret.ResolvedParentID == "" {
		return ret, nil
	}

	path := conversation.PathToRoot(record.Messages, ret.ResolvedParentID)
	ret.PreviousMessages = c.participants.ToBasicMessages(path)

	log.Debug().
		Str("conversationId", ret.ConversationID).
		Str("parentMessageId", ret.ResolvedParentID).
		Int("historyLength", len(ret.PreviousMessages)).
		Msg("loaded conversation history")

	return ret, nil
}

// NormalizeMessage converts any recognized input shape into the adapter
// normal form. Plain strings become a message authored by authorHint;
// transcript and XML strings that contain exactly one message collapse to
// it. Multi-message strings are rejected here, since a single turn carries
// a single message; IngestExternalMessages handles the list case.
func (c *Client) NormalizeMessage(input interface{}, authorHint string) (*conversation.BasicMessage, error) {
	msgs, err := c.normalizeToList(input, authorHint)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > 1 {
		return nil, errors.Errorf("expected a single message, got %d", len(msgs))
	}
	return &msgs[0], nil
}

func (c *Client) normalizeToList(input interface{}, authorHint string) ([]conversation.BasicMessage, error) {
	switch kind := transcript.Classify(input); kind {
	case transcript.KindNull, transcript.KindEmptyList:
		return nil, nil
	case transcript.KindString:
		return []conversation.BasicMessage{{
			Author: authorHint,
			Text:   input.(string),
		}}, nil
	case transcript.KindTranscript:
		return transcript.ParseTranscript(input.(string)), nil
	case transcript.KindXml:
		return transcript.ParseXml(input.(string)), nil
	case transcript.KindBasicMessage:
		switch v := input.(type) {
		case conversation.BasicMessage:
			return []conversation.BasicMessage{v}, nil
		case *conversation.BasicMessage:
			if v == nil {
				return nil, nil
			}
			return []conversation.BasicMessage{*v}, nil
		}
		return nil, errors.New("unreachable basic message shape")
	case transcript.KindConversationMessage:
		switch v := input.(type) {
		case conversation.Message:
			return []conversation.BasicMessage{c.participants.ToBasicMessage(v)}, nil
		case *conversation.Message:
			if v == nil {
				return nil, nil
			}
			return []conversation.BasicMessage{c.participants.ToBasicMessage(*v)}, nil
		}
		return nil, errors.New("unreachable conversation message shape")
	case transcript.KindBasicMessageList:
		return input.([]conversation.BasicMessage), nil
	case transcript.KindConversationMessageList:
		return c.participants.ToBasicMessages(input.([]conversation.Message)), nil
	default:
		return nil, errors.Errorf("cannot normalize input of kind %s", kind)
	}
}

// TurnOptions configures PrepareTurn.
type TurnOptions struct {
	ConversationID  string
	ParentMessageID string
	// SystemMessage overrides the configured default for this turn.
	SystemMessage string
	// Persist controls whether the user message is written into the
	// conversation record before the exchange runs.
	Persist bool
}

// Turn is a prepared exchange: the adapter request plus the bookkeeping
// needed to attach the replies afterwards.
type Turn struct {
	APIParams      interface{}
	ConversationID string
	// CompletionParentID is the node replies attach under: the persisted
	// user message when Persist was set, the resolved parent otherwise.
	CompletionParentID string
	Conversation       *conversation.Record
	// UserMessageID is set when the user message was persisted.
	UserMessageID string
}

// PrepareTurn loads history, normalizes the user message, optionally
// persists it, and asks the adapter for its request parameters. It does no
// network work; the result feeds RunCompletions.
func (c *Client) PrepareTurn(ctx context.Context, message interface{}, opts TurnOptions) (*Turn, error) {
	history, err := c.LoadHistory(ctx, opts.ConversationID, opts.ParentMessageID)
	if err != nil {
		return nil, err
	}

	userMessage, err := c.NormalizeMessage(message, conversation.AuthorUser)
	if err != nil {
		return nil, err
	}

	var systemMessage *conversation.BasicMessage
	systemText := opts.SystemMessage
	if systemText == "" {
		systemText = c.options.SystemMessage
	}
	if systemText != "" {
		systemMessage = &conversation.BasicMessage{
			Author: conversation.AuthorSystem,
			Text:   systemText,
			Type:   c.participants.MessageType(conversation.AuthorSystem),
		}
	}

	ret := &Turn{
		ConversationID:     history.ConversationID,
		CompletionParentID: history.ResolvedParentID,
		Conversation:       history.Conversation,
	}

	if opts.Persist && userMessage != nil {
		node := conversation.NewMessage(
			c.participants.Display(userMessage.Author),
			userMessage.Text,
			history.ResolvedParentID,
		)
		if userMessage.Type != "" && userMessage.Type != conversation.DefaultMessageType {
			node.Type = userMessage.Type
		}
		ret.Conversation.Messages = append(ret.Conversation.Messages, node)
		ret.CompletionParentID = node.ID
		ret.UserMessageID = node.ID
		if err := c.SaveRecord(ctx, ret.ConversationID, ret.Conversation); err != nil {
			return nil, err
		}
	}

	apiParams, err := c.adapter.BuildApiParams(userMessage, history.PreviousMessages, systemMessage)
	if err != nil {
		return nil, err
	}
	ret.APIParams = apiParams

	return ret, nil
}

// CompletionOptions configures RunCompletions.
type CompletionOptions struct {
	// N is the fan-out; zero falls back to the configured default.
	N int
	// OnProgress observes streaming progress after tracker filtering:
	// duplicate terminal events and post-terminal deltas never reach it.
	OnProgress ProgressFunc
	// Timeout bounds the whole exchange. Zero means no deadline beyond
	// the caller's context.
	Timeout time.Duration
}

// RunCompletions executes the streaming exchange for a prepared turn and
// returns one Reply per fan-out index.
//
// On a stream error the indices that were already streaming are salvaged:
// their partial text is kept and their state is Errored with the error as
// stop reason. Indices still pending are returned as-is and carry nothing.
// The error is returned alongside the partial replies, never swallowed.
func (c *Client) RunCompletions(ctx context.Context, apiParams interface{}, opts CompletionOptions) ([]Reply, error) {
	n := opts.N
	if n == 0 {
		n = c.options.N
	}
	if n <= 0 {
		n = 1
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	t := newTracker(n)
	emit := func(ev ProgressEvent) {
		if !t.apply(ev) {
			return
		}
		if opts.OnProgress != nil {
			opts.OnProgress(ev)
		}
	}

	start := time.Now()
	err := c.adapter.Stream(ctx, apiParams, n, emit)
	if err != nil {
		t.salvage(err)
		log.Warn().
			Err(err).
			Str("adapter", c.adapter.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("completion stream failed, salvaging partial replies")
		return t.snapshot(), err
	}

	log.Debug().
		Str("adapter", c.adapter.Name()).
		Int("n", n).
		Dur("elapsed", time.Since(start)).
		Msg("completion stream finished")

	return t.snapshot(), nil
}

// GenerateOptions configures Generate. The zero value runs a single
// completion on a fresh conversation with persistence enabled.
type GenerateOptions struct {
	ConversationID  string
	ParentMessageID string
	SystemMessage   string
	N               int
	OnProgress      ProgressFunc
	Timeout         time.Duration
	// Stateless skips all persistence, for adapters whose backend holds
	// the conversation itself.
	Stateless bool
}

// GenerateResult is the outcome of one full turn.
type GenerateResult struct {
	ConversationID string
	// MessageID is the id of the first finished reply node, the one a
	// follow-up turn would attach under by default.
	MessageID string
	// UserMessageID is the persisted user node, when persistence ran.
	UserMessageID string
	Replies       []Reply
}

// Generate runs one full turn: persist the user message, stream the
// completions, and persist every reply that produced text as a sibling
// under the user message. Finished replies persist with their stop reason;
// salvaged replies persist with the error as stop reason and the original
// error is returned alongside the partial result.
func (c *Client) Generate(ctx context.Context, message interface{}, opts GenerateOptions) (*GenerateResult, error) {
	turn, err := c.PrepareTurn(ctx, message, TurnOptions{
		ConversationID:  opts.ConversationID,
		ParentMessageID: opts.ParentMessageID,
		SystemMessage:   opts.SystemMessage,
		Persist:         !opts.Stateless,
	})
	if err != nil {
		return nil, err
	}

	replies, streamErr := c.RunCompletions(ctx, turn.APIParams, CompletionOptions{
		N:          opts.N,
		OnProgress: opts.OnProgress,
		Timeout:    opts.Timeout,
	})

	ret := &GenerateResult{
		ConversationID: turn.ConversationID,
		UserMessageID:  turn.UserMessageID,
		Replies:        replies,
	}

	if !opts.Stateless {
		if err := c.persistReplies(ctx, turn, ret); err != nil {
			if streamErr != nil {
				return ret, streamErr
			}
			return ret, err
		}
	}

	return ret, streamErr
}

// persistReplies appends every finished or salvaged reply as a sibling
// node under the completion parent and saves the record. Pending replies
// are dropped. The reply slice is annotated with the minted node ids.
func (c *Client) persistReplies(ctx context.Context, turn *Turn, result *GenerateResult) error {
	display := c.participants.Display(conversation.AuthorAssistant)
	appended := false
	for i := range result.Replies {
		reply := &result.Replies[i]
		if reply.State != StateFinished && reply.State != StateErrored {
			continue
		}
		if reply.State == StateErrored && reply.Text == "" {
			continue
		}
		var opts []conversation.MessageOption
		if reply.StopReason != "" {
			opts = append(opts, conversation.WithStopReason(reply.StopReason))
		}
		if reply.Details != nil {
			if data, err := json.Marshal(reply.Details); err == nil {
				opts = append(opts, conversation.WithDetails(data))
			}
		}
		node := conversation.NewMessage(display, reply.Text, turn.CompletionParentID, opts...)
		turn.Conversation.Messages = append(turn.Conversation.Messages, node)
		reply.MessageID = node.ID
		appended = true
		if result.MessageID == "" && reply.State == StateFinished {
			result.MessageID = node.ID
		}
	}
	if !appended {
		return nil
	}
	return c.SaveRecord(ctx, turn.ConversationID, turn.Conversation)
}

// IngestExternalMessages converts any recognized input shape into
// persisted conversation nodes under parentID. With chain set, each
// message becomes the parent of the next and the tail id is returned;
// otherwise all messages attach as siblings under parentID and the last
// appended id is returned. An empty conversation id creates a fresh one.
func (c *Client) IngestExternalMessages(
	ctx context.Context,
	conversationID string,
	input interface{},
	parentID string,
	chain bool,
) (string, string, error) {
	msgs, err := c.normalizeToList(input, conversation.AuthorUser)
	if err != nil {
		return "", "", err
	}

	history, err := c.LoadHistory(ctx, conversationID, parentID)
	if err != nil {
		return "", "", err
	}
	if len(msgs) == 0 {
		return history.ConversationID, parentID, nil
	}

	currentParent := parentID
	tailID := parentID
	for _, msg := range msgs {
		node := conversation.NewMessage(
			c.participants.Display(msg.Author),
			msg.Text,
			currentParent,
		)
		if msg.Type != "" && msg.Type != conversation.DefaultMessageType {
			node.Type = msg.Type
		}
		history.Conversation.Messages = append(history.Conversation.Messages, node)
		tailID = node.ID
		if chain {
			currentParent = node.ID
		}
	}

	if err := c.SaveRecord(ctx, history.ConversationID, history.Conversation); err != nil {
		return "", "", err
	}
	return history.ConversationID, tailID, nil
}

// Transcript exports the root→leaf path ending at leafID in transcript
// form. An empty leafID exports the path to the last appended message.
func (c *Client) Transcript(ctx context.Context, conversationID string, leafID string) (string, error) {
	record, ok, err := c.LoadRecord(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Errorf("conversation %s not found", conversationID)
	}
	if leafID == "" {
		leafID = record.LastMessageID()
	}
	path := conversation.PathToRoot(record.Messages, leafID)
	return transcript.ToTranscript(c.participants.ToBasicMessages(path)), nil
}

// ForkMessage appends an edited sibling of messageID carrying newText and
// returns the new node's id.
func (c *Client) ForkMessage(ctx context.Context, conversationID string, messageID string, newText string) (string, error) {
	record, ok, err := c.LoadRecord(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Errorf("conversation %s not found", conversationID)
	}
	msg, ok := conversation.MessageByID(record.Messages, messageID)
	if !ok {
		return "", errors.Errorf("message %s not found", messageID)
	}
	forked := conversation.Fork(msg, newText)
	record.Messages = append(record.Messages, forked)
	if err := c.SaveRecord(ctx, conversationID, record); err != nil {
		return "", err
	}
	return forked.ID, nil
}

// MergeUpMessage appends a node combining messageID's parent and
// messageID into one sibling of the parent, and returns the new node's id.
func (c *Client) MergeUpMessage(ctx context.Context, conversationID string, messageID string) (string, error) {
	record, ok, err := c.LoadRecord(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Errorf("conversation %s not found", conversationID)
	}
	child, ok := conversation.MessageByID(record.Messages, messageID)
	if !ok {
		return "", errors.Errorf("message %s not found", messageID)
	}
	parent, ok := conversation.Parent(record.Messages, messageID)
	if !ok {
		return "", errors.Errorf("message %s has no parent to merge into", messageID)
	}
	merged := conversation.MergeUp(parent, child)
	record.Messages = append(record.Messages, merged)
	if err := c.SaveRecord(ctx, conversationID, record); err != nil {
		return "", err
	}
	return merged.ID, nil
}
