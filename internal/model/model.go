package model

import "time"

// SourceLink is a grounding citation.
type SourceLink struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// GroundingChunk carries either a web or a maps citation.
type GroundingChunk struct {
	Web  *SourceLink `json:"web,omitempty"`
	Maps *SourceLink `json:"maps,omitempty"`
}

// LandmarkInfo is the generated description of a photographed landmark.
type LandmarkInfo struct {
	Name        string           `json:"name"`
	History     string           `json:"history"`
	Sources     []GroundingChunk `json:"sources"`
	Latitude    float64          `json:"latitude"`
	Longitude   float64          `json:"longitude"`
	CountryCode string           `json:"countryCode"`
}

// Language is a narration language offered for a landmark.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// CachedDiscovery is the single-discovery cache value. Language is set once
// the entry has been re-translated.
type CachedDiscovery struct {
	LandmarkInfo LandmarkInfo `json:"landmarkInfo"`
	ImageURL     string       `json:"imageUrl"`
	Language     string       `json:"language,omitempty"`
}

// Discovery is a saved landmark sighting.
type Discovery struct {
	ID           string       `json:"id"`
	LandmarkInfo LandmarkInfo `json:"landmarkInfo"`
	Languages    []Language   `json:"languages"`
	ImageURL     string       `json:"imageUrl"`
	Timeline     string       `json:"timeline,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Cached projects the discovery onto its cache value.
func (d Discovery) Cached() CachedDiscovery {
	return CachedDiscovery{LandmarkInfo: d.LandmarkInfo, ImageURL: d.ImageURL}
}

// Itinerary is a saved trip plan around a discovery.
type Itinerary struct {
	ID           string    `json:"id"`
	DiscoveryID  string    `json:"discoveryId"`
	LandmarkName string    `json:"landmarkName"`
	Duration     string    `json:"duration"`
	Interests    string    `json:"interests"`
	Content      string    `json:"itineraryContent"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Postcard is a stylized rendering of a discovery photo.
type Postcard struct {
	ID               string    `json:"id"`
	DiscoveryID      string    `json:"discoveryId"`
	ImageURL         string    `json:"imageUrl"`
	StylePrompt      string    `json:"stylePrompt"`
	OriginalImageURL string    `json:"originalImageUrl"`
	CreatedAt        time.Time `json:"createdAt"`
}

// NearbyPlace is a suggestion generated around a landmark.
type NearbyPlace struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	URI         string  `json:"uri"`
	Title       string  `json:"title"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// TurnStatus tags a chat turn as still being produced or complete.
type TurnStatus string

const (
	TurnPending TurnStatus = "pending"
	TurnFinal   TurnStatus = "final"
)

// ChatTurn is one entry of a conversation history.
type ChatTurn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	Status    TurnStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// Conversation is the chat thread attached to one discovery of one owner.
type Conversation struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	DiscoveryID string     `json:"discoveryId"`
	History     []ChatTurn `json:"history"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Producing reports whether the assistant is still writing: the last turn
// is a model turn in pending state.
func Producing(turns []ChatTurn) bool {
	if len(turns) == 0 {
		return false
	}
	last := turns[len(turns)-1]
	return last.Role == RoleModel && last.Status == TurnPending
}
