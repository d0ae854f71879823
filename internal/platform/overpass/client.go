// Package overpass queries the OpenStreetMap Overpass API for hospitals
// around a point.
package overpass

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultEndpoint = "https://overpass-api.de/api/interpreter"

// Place is a hospital as reported by OpenStreetMap.
type Place struct {
	ExternalID string
	Name       string
	Latitude   float64
	Longitude  float64
	Phone      string
	Address    string
}

type element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center"`
	Tags map[string]string `json:"tags"`
}

type response struct {
	Elements []element `json:"elements"`
}

type Client struct {
	http     *resty.Client
	endpoint string
}

// NewClient returns a client for endpoint, or DefaultEndpoint when empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	http := resty.New().
		SetTimeout(60*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(2*time.Second).
		SetRetryMaxWaitTime(10*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "resqnet-hospital-sync")
	return &Client{http: http, endpoint: endpoint}
}

// Query builds the Overpass QL for hospitals within radiusKm of a point.
func Query(lat, lng, radiusKm float64) string {
	around := fmt.Sprintf("(around:%d,%s,%s)",
		int(radiusKm*1000),
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lng, 'f', -1, 64))
	var b strings.Builder
	b.WriteString("[out:json][timeout:50];\n(\n")
	for _, kind := range []string{"node", "way", "relation"} {
		b.WriteString(`  ` + kind + `["amenity"="hospital"]` + around + ";\n")
	}
	b.WriteString(");\nout center tags;\n")
	return b.String()
}

// Hospitals returns the hospitals within radiusKm of (lat, lng).
func (c *Client) Hospitals(ctx context.Context, lat, lng, radiusKm float64) ([]Place, error) {
	var out response
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"data": Query(lat, lng, radiusKm)}).
		SetResult(&out).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("overpass request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("overpass returned status %d", resp.StatusCode())
	}

	places := make([]Place, 0, len(out.Elements))
	for _, el := range out.Elements {
		p := Place{
			ExternalID: fmt.Sprintf("%s/%d", el.Type, el.ID),
			Name:       strings.TrimSpace(el.Tags["name"]),
			Latitude:   el.Lat,
			Longitude:  el.Lon,
			Phone:      firstTag(el.Tags, "phone", "contact:phone"),
			Address:    address(el.Tags),
		}
		if el.Center != nil {
			p.Latitude, p.Longitude = el.Center.Lat, el.Center.Lon
		}
		places = append(places, p)
	}
	return places, nil
}

func firstTag(tags map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(tags[k]); v != "" {
			return v
		}
	}
	return ""
}

func address(tags map[string]string) string {
	if full := tags["addr:full"]; full != "" {
		return full
	}
	var parts []string
	street := strings.TrimSpace(tags["addr:housenumber"] + " " + tags["addr:street"])
	for _, p := range []string{street, tags["addr:city"], tags["addr:postcode"]} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
