package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/l0p7/tourvista/internal/docstore"
)

// metaFields are owned by the store and never written into document data.
var metaFields = []string{"id", "createdAt", "updatedAt"}

func decode(doc docstore.Document, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return fmt.Errorf("model: decoder: %w", err)
	}
	if err := decoder.Decode(doc.Data); err != nil {
		return fmt.Errorf("model: decode %s: %w", doc.Path, err)
	}
	return nil
}

// Fields encodes v into the untyped field set stored in a document, dropping
// store-owned metadata.
func Fields(v any) (map[string]any, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("model: encode: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("model: encode: %w", err)
	}
	for _, key := range metaFields {
		delete(fields, key)
	}
	return fields, nil
}

func DiscoveryFromDocument(doc docstore.Document) (Discovery, error) {
	var d Discovery
	if err := decode(doc, &d); err != nil {
		return Discovery{}, err
	}
	d.ID = doc.ID
	d.CreatedAt = doc.CreatedAt
	if d.Languages == nil {
		d.Languages = []Language{}
	}
	return d, nil
}

func ItineraryFromDocument(doc docstore.Document) (Itinerary, error) {
	var it Itinerary
	if err := decode(doc, &it); err != nil {
		return Itinerary{}, err
	}
	it.ID = doc.ID
	it.CreatedAt = doc.CreatedAt
	return it, nil
}

func PostcardFromDocument(doc docstore.Document) (Postcard, error) {
	var p Postcard
	if err := decode(doc, &p); err != nil {
		return Postcard{}, err
	}
	p.ID = doc.ID
	p.CreatedAt = doc.CreatedAt
	return p, nil
}

// ConversationFromDocument decodes a conversation. Turns stored without a
// status are treated as final.
func ConversationFromDocument(doc docstore.Document) (Conversation, error) {
	var c Conversation
	if err := decode(doc, &c); err != nil {
		return Conversation{}, err
	}
	c.ID = doc.ID
	c.CreatedAt = doc.CreatedAt
	c.UpdatedAt = doc.UpdatedAt
	if c.History == nil {
		c.History = []ChatTurn{}
	}
	for i := range c.History {
		if c.History[i].Status == "" {
			c.History[i].Status = TurnFinal
		}
	}
	return c, nil
}
