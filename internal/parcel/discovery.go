package parcel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// CadastralMapName is the capabilities entry holding the parcel tiles.
const CadastralMapName = "cadastral_parcels"

var (
	// ErrMapNotFound is returned when the capabilities lack the requested map.
	ErrMapNotFound = errors.New("map not found in capabilities")
	// ErrNoTiles is returned when the requested map lists no tile URLs.
	ErrNoTiles = errors.New("map has no tile urls")
)

// Capabilities is the tile server capabilities document.
type Capabilities struct {
	Maps []CapabilityMap `json:"maps" doc:"Published tile maps"`
}

// CapabilityMap is one named tile map.
type CapabilityMap struct {
	Name  string   `json:"name" doc:"Map name" example:"cadastral_parcels"`
	Tiles []string `json:"tiles" doc:"Tile URL templates" example:"[\"https://host/tiles/{z}/{x}/{y}.mvt\"]"`
}

// TileURL returns the first tile URL of the named map.
func (c Capabilities) TileURL(name string) (string, error) {
	for _, m := range c.Maps {
		if m.Name != name {
			continue
		}
		if len(m.Tiles) == 0 || m.Tiles[0] == "" {
			return "", fmt.Errorf("%s: %w", name, ErrNoTiles)
		}
		return m.Tiles[0], nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrMapNotFound)
}

// Discoverer fetches the capabilities document.
type Discoverer interface {
	Discover(ctx context.Context) (Capabilities, error)
}

// DiscoverFunc adapts a function to [Discoverer].
type DiscoverFunc func(ctx context.Context) (Capabilities, error)

// Discover implements Discoverer.
func (f DiscoverFunc) Discover(ctx context.Context) (Capabilities, error) { return f(ctx) }

// HTTPDiscoverer reads capabilities from a URL.
type HTTPDiscoverer struct {
	URL    string
	Client *http.Client
}

// NewDiscoverer creates a discoverer for url. A nil client uses http.DefaultClient.
func NewDiscoverer(url string, client *http.Client) *HTTPDiscoverer {
	return &HTTPDiscoverer{URL: url, Client: client}
}

// Discover performs the GET request and decodes the document.
func (d *HTTPDiscoverer) Discover(ctx context.Context) (Capabilities, error) {
	var caps Capabilities
	if err := getJSON(ctx, d.Client, d.URL, &caps); err != nil {
		return Capabilities{}, fmt.Errorf("fetching capabilities: %w", err)
	}
	return caps, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.URL, e.Status)
}

// getJSON issues a GET request and decodes a JSON body into v.
func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}
