package domain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// TriggerMessage is a request to query the provider around one location.
type TriggerMessage struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Radius        int     `json:"radius"`
	FavoritesOnly bool    `json:"favorites_only"`
}

// Validate rejects parameters the provider would never answer sensibly.
func (t TriggerMessage) Validate() error {
	if math.IsNaN(t.Latitude) || t.Latitude < -90 || t.Latitude > 90 {
		return NewError(KindValidation, "validate trigger", fmt.Errorf("latitude %v out of range [-90, 90]", t.Latitude))
	}
	if math.IsNaN(t.Longitude) || t.Longitude < -180 || t.Longitude > 180 {
		return NewError(KindValidation, "validate trigger", fmt.Errorf("longitude %v out of range [-180, 180]", t.Longitude))
	}
	if t.Radius <= 0 {
		return NewError(KindValidation, "validate trigger", fmt.Errorf("radius must be positive, got %d", t.Radius))
	}
	return nil
}

// Key groups results of the same location onto the same output partition.
func (t TriggerMessage) Key() string {
	return fmt.Sprintf("%.5f,%.5f,%d", t.Latitude, t.Longitude, t.Radius)
}

func (t TriggerMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("latitude", t.Latitude),
		slog.Float64("longitude", t.Longitude),
		slog.Int("radius", t.Radius),
		slog.Bool("favorites_only", t.FavoritesOnly),
	)
}

// Item is a single provider record. Its shape belongs to the provider.
type Item = json.RawMessage

// FetchedItems is the result of one successfully processed trigger.
type FetchedItems struct {
	TriggerMessage TriggerMessage `json:"trigger_message"`
	CheckedAt      Timestamp      `json:"checked_at"`
	Items          []Item         `json:"items"`
}

// Timestamp is serialized as fractional seconds since the Unix epoch.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	secs := float64(ts.Unix()) + float64(ts.Nanosecond())/float64(time.Second)
	return json.Marshal(secs)
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	whole, frac := math.Modf(secs)
	ts.Time = time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
	return nil
}
