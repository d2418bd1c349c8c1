package provider

import "encoding/json"

// itemsRequest is the query body sent to the provider endpoint.
type itemsRequest struct {
	UserID        string  `json:"user_id"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Radius        int     `json:"radius"`
	FavoritesOnly bool    `json:"favorites_only"`
}

// itemsResponse keeps items raw; only the presence of the key is checked.
type itemsResponse struct {
	Items *[]json.RawMessage `json:"items"`
}
