package chat

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// SavedConversation is the on-disk export shape: the record plus the id it
// was stored under, so an import can restore it to the same key.
type SavedConversation struct {
	ConversationID string               `json:"conversationId"`
	Record         *conversation.Record `json:"record"`
}

// ExportConversation writes a conversation to path as indented JSON.
func (c *Client) ExportConversation(ctx context.Context, conversationID string, path string) error {
	record, ok, err := c.LoadRecord(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("conversation %s not found", conversationID)
	}
	saved := SavedConversation{
		ConversationID: conversationID,
		Record:         record,
	}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding saved conversation")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing saved conversation")
	}
	return nil
}

// ImportConversation loads a saved conversation from path into the store,
// under its original id unless overrideID is set. It returns the effective
// conversation id.
func (c *Client) ImportConversation(ctx context.Context, path string, overrideID string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "reading saved conversation")
	}
	saved := SavedConversation{}
	if err := json.Unmarshal(data, &saved); err != nil {
		return "", errors.Wrap(err, "decoding saved conversation")
	}
	if saved.Record == nil {
		return "", errors.New("saved conversation carries no record")
	}
	id := saved.ConversationID
	if overrideID != "" {
		id = overrideID
	}
	if id == "" {
		id = conversation.NewID()
	}
	if err := c.SaveRecord(ctx, id, saved.Record); err != nil {
		return "", err
	}
	return id, nil
}

// Saved states are named snapshots of a conversation record, held in the
// same store as the live conversations. A registry key lists the state
// names so they can be enumerated without store iteration.
const (
	savedStatePrefix  = "saved:"
	savedStateListKey = "savedConversations"
)

// SavedState is one named snapshot.
type SavedState struct {
	Name           string               `json:"name"`
	ConversationID string               `json:"conversationId"`
	Record         *conversation.Record `json:"record"`
}

func (c *Client) savedStateNames(ctx context.Context) ([]string, error) {
	data, ok, err := c.store.Get(ctx, savedStateListKey)
	if err != nil {
		return nil, errors.Wrap(err, "loading saved state registry")
	}
	if !ok {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, errors.Wrap(err, "decoding saved state registry")
	}
	return names, nil
}

// SaveConversationState snapshots the current record of conversationID
// under name. Saving to an existing name overwrites its snapshot.
func (c *Client) SaveConversationState(ctx context.Context, name string, conversationID string) error {
	if name == "" {
		return errors.New("saved state name must not be empty")
	}
	record, ok, err := c.LoadRecord(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("conversation %s not found", conversationID)
	}

	state := SavedState{
		Name:           name,
		ConversationID: conversationID,
		Record:         record,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding saved state")
	}
	if err := c.store.Set(ctx, savedStatePrefix+name, data); err != nil {
		return errors.Wrap(err, "saving state")
	}

	names, err := c.savedStateNames(ctx)
	if err != nil {
		return err
	}
	for _, existing := range names {
		if existing == name {
			return nil
		}
	}
	names = append(names, name)
	registry, err := json.Marshal(names)
	if err != nil {
		return errors.Wrap(err, "encoding saved state registry")
	}
	if err := c.store.Set(ctx, savedStateListKey, registry); err != nil {
		return errors.Wrap(err, "saving state registry")
	}
	return nil
}

func (c *Client) loadSavedState(ctx context.Context, name string) (*SavedState, bool, error) {
	data, ok, err := c.store.Get(ctx, savedStatePrefix+name)
	if err != nil {
		return nil, false, errors.Wrap(err, "loading saved state")
	}
	if !ok {
		return nil, false, nil
	}
	state := &SavedState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, false, errors.Wrap(err, "decoding saved state")
	}
	return state, true, nil
}

// SavedStatesForConversation returns every saved state that snapshots
// conversationID, in registry order.
func (c *Client) SavedStatesForConversation(ctx context.Context, conversationID string) ([]SavedState, error) {
	names, err := c.savedStateNames(ctx)
	if err != nil {
		return nil, err
	}
	var states []SavedState
	for _, name := range names {
		state, ok, err := c.loadSavedState(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok && state.ConversationID == conversationID {
			states = append(states, *state)
		}
	}
	return states, nil
}

// SavedConversationIDs returns the ids of every conversation that has at
// least one saved state, in registry order without duplicates.
func (c *Client) SavedConversationIDs(ctx context.Context) ([]string, error) {
	names, err := c.savedStateNames(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := map[string]bool{}
	for _, name := range names {
		state, ok, err := c.loadSavedState(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok || state.ConversationID == "" || seen[state.ConversationID] {
			continue
		}
		seen[state.ConversationID] = true
		ids = append(ids, state.ConversationID)
	}
	return ids, nil
}
