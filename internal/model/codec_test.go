package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/tourvista/internal/docstore"
)

func TestDiscoveryFromDocument(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := docstore.Document{
		ID:        "d1",
		Path:      "users/alice/discoveries/d1",
		CreatedAt: created,
		Data: map[string]any{
			"landmarkInfo": map[string]any{
				"name":        "Eiffel Tower",
				"history":     "Built for the 1889 World's Fair.",
				"latitude":    48.8584,
				"longitude":   2.2945,
				"countryCode": "FR",
				"sources": []any{
					map[string]any{"web": map[string]any{"uri": "https://example.org", "title": "Example"}},
				},
			},
			"languages": []any{map[string]any{"code": "fr", "name": "French"}},
			"imageUrl":  "https://img/1.jpg",
			"timeline":  "1889: opened",
		},
	}

	d, err := DiscoveryFromDocument(doc)
	require.NoError(t, err)
	require.Equal(t, "d1", d.ID)
	require.Equal(t, created, d.CreatedAt)
	require.Equal(t, "Eiffel Tower", d.LandmarkInfo.Name)
	require.InDelta(t, 48.8584, d.LandmarkInfo.Latitude, 1e-9)
	require.NotNil(t, d.LandmarkInfo.Sources[0].Web)
	require.Nil(t, d.LandmarkInfo.Sources[0].Maps)
	require.Equal(t, []Language{{Code: "fr", Name: "French"}}, d.Languages)
	require.Equal(t, "1889: opened", d.Timeline)
	require.Equal(t, CachedDiscovery{LandmarkInfo: d.LandmarkInfo, ImageURL: "https://img/1.jpg"}, d.Cached())
}

func TestConversationFromDocumentDefaultsStatus(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := docstore.Document{
		ID: "c1",
		Data: map[string]any{
			"ownerId":     "alice",
			"discoveryId": "d1",
			"history": []any{
				map[string]any{"id": "t1", "role": "user", "text": "hi", "timestamp": ts.Format(time.RFC3339Nano)},
				map[string]any{"id": "t2", "role": "model", "text": "", "status": "pending", "timestamp": ts.Format(time.RFC3339Nano)},
			},
		},
	}

	c, err := ConversationFromDocument(doc)
	require.NoError(t, err)
	require.Equal(t, "c1", c.ID)
	require.Len(t, c.History, 2)
	require.Equal(t, TurnFinal, c.History[0].Status)
	require.Equal(t, ts, c.History[0].Timestamp)
	require.Equal(t, TurnPending, c.History[1].Status)
	require.True(t, Producing(c.History))
}

func TestConversationFromDocumentEmptyHistory(t *testing.T) {
	c, err := ConversationFromDocument(docstore.Document{ID: "c1", Data: map[string]any{}})
	require.NoError(t, err)
	require.NotNil(t, c.History)
	require.False(t, Producing(c.History))
}

func TestDecodeRejectsWrongShape(t *testing.T) {
	_, err := ItineraryFromDocument(docstore.Document{ID: "i1", Data: map[string]any{"duration": map[string]any{"x": 1}}})
	require.Error(t, err)
}

func TestFieldsDropsStoreMetadata(t *testing.T) {
	fields, err := Fields(Itinerary{
		ID:           "i1",
		DiscoveryID:  "d1",
		LandmarkName: "Eiffel Tower",
		Duration:     "1 day",
		Content:      "Morning: ...",
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)
	require.NotContains(t, fields, "id")
	require.NotContains(t, fields, "createdAt")
	require.Equal(t, "d1", fields["discoveryId"])
	require.Equal(t, "Morning: ...", fields["itineraryContent"])

	it, err := ItineraryFromDocument(docstore.Document{ID: "i1", Data: fields})
	require.NoError(t, err)
	require.Equal(t, "Eiffel Tower", it.LandmarkName)
}

func TestProducing(t *testing.T) {
	require.False(t, Producing(nil))
	require.False(t, Producing([]ChatTurn{{Role: RoleUser, Status: TurnPending}}))
	require.False(t, Producing([]ChatTurn{{Role: RoleModel, Status: TurnFinal, Text: "..."}}))
	require.True(t, Producing([]ChatTurn{{Role: RoleModel, Status: TurnPending}}))
}
