// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package jsonrpc inspects the JSON-RPC 2.0 frames relayed between
// browsers and Mopidy. The relay forwards frames verbatim; this package
// only peeks at the fields needed for attribution and correlation, and
// tolerates anything it cannot parse.
package jsonrpc

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/jukewire/jukewire/internal/models"
)

// Request is the subset of a JSON-RPC request the relay cares about.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the subset of a JSON-RPC response the relay cares about.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a JSON-RPC error object.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseRequest decodes the request fields of a frame. A frame without
// a method is returned with Method == "" rather than an error, because
// forwarding must still happen; only attribution needs the method.
func ParseRequest(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("parse request frame: %w", err)
	}
	return &req, nil
}

// ParseResponse decodes the response fields of a frame. Returns an
// error for frames that are not JSON objects.
func ParseResponse(frame []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("parse response frame: %w", err)
	}
	return &resp, nil
}

// IDKey normalizes a raw JSON-RPC id (number or string) to a map key
// for the outstanding-request map. Returns "" for absent or null ids.
func IDKey(id json.RawMessage) string {
	if len(id) == 0 || string(id) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return "s:" + s
	}
	var n float64
	if err := json.Unmarshal(id, &n); err == nil {
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64)
	}
	return "r:" + string(id)
}

// Event is an unsolicited Mopidy event frame. Only the fields Jukewire
// consumes are decoded; the raw frame is still forwarded verbatim.
type Event struct {
	Name string `json:"event"`

	TLTrack      *tlTrack `json:"tl_track,omitempty"`
	TimePosition *int     `json:"time_position,omitempty"`
	Volume       *int     `json:"volume,omitempty"`
	OldState     string   `json:"old_state,omitempty"`
	NewState     string   `json:"new_state,omitempty"`
}

type tlTrack struct {
	Track *wireTrack `json:"track,omitempty"`
}

// wireTrack mirrors Mopidy's Track model on the wire.
type wireTrack struct {
	URI     string `json:"uri"`
	Name    string `json:"name"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album *struct {
		Name string `json:"name"`
	} `json:"album"`
	Genre  string `json:"genre"`
	Length int    `json:"length"` // milliseconds
}

// ParseEvent decodes a frame as a Mopidy event. Returns (nil, nil) for
// frames that are valid JSON but carry no "event" field (i.e. RPC
// responses), and an error for unparseable frames.
func ParseEvent(frame []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("parse event frame: %w", err)
	}
	if ev.Name == "" {
		return nil, nil
	}
	return &ev, nil
}

// Track converts the event's embedded track to the domain model, or
// nil when the event carries none.
func (e *Event) Track() *models.Track {
	if e.TLTrack == nil || e.TLTrack.Track == nil {
		return nil
	}
	return e.TLTrack.Track.toModel()
}

func (t *wireTrack) toModel() *models.Track {
	m := &models.Track{
		URI:      t.URI,
		Name:     t.Name,
		Genre:    t.Genre,
		Duration: t.Length,
	}
	if len(t.Artists) > 0 {
		m.Artist = t.Artists[0].Name
	}
	if t.Album != nil {
		m.Album = t.Album.Name
	}
	return m
}

// ExtractSearchQuery flattens the query terms of a core.library.search
// call into one display string. Mopidy accepts either positional or
// named params with a "query" map of field -> term list.
func ExtractSearchQuery(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var named struct {
		Query map[string][]string `json:"query"`
	}
	if err := json.Unmarshal(params, &named); err == nil && len(named.Query) > 0 {
		return flattenQuery(named.Query)
	}
	var positional []map[string][]string
	if err := json.Unmarshal(params, &positional); err == nil && len(positional) > 0 {
		return flattenQuery(positional[0])
	}
	return ""
}

// flattenQuery joins query terms in a stable field order.
func flattenQuery(q map[string][]string) string {
	// "any" first, then the specific fields; order within a field is
	// as supplied by the client.
	out := ""
	appendTerms := func(terms []string) {
		for _, t := range terms {
			if t == "" {
				continue
			}
			if out != "" {
				out += " "
			}
			out += t
		}
	}
	appendTerms(q["any"])
	for _, field := range []string{"track_name", "artist", "album", "albumartist", "genre"} {
		appendTerms(q[field])
	}
	return out
}

// ExtractTrackURIs returns the track URIs of a core.tracklist.add call,
// in the order they were supplied. Handles both the "uris" and the
// legacy "tracks" parameter shapes.
func ExtractTrackURIs(params json.RawMessage) []string {
	if len(params) == 0 {
		return nil
	}
	var named struct {
		URIs   []string    `json:"uris"`
		Tracks []wireTrack `json:"tracks"`
	}
	if err := json.Unmarshal(params, &named); err != nil {
		return nil
	}
	if len(named.URIs) > 0 {
		return named.URIs
	}
	uris := make([]string, 0, len(named.Tracks))
	for _, t := range named.Tracks {
		if t.URI != "" {
			uris = append(uris, t.URI)
		}
	}
	if len(uris) == 0 {
		return nil
	}
	return uris
}

// ExtractBoolArg returns the boolean argument of a call like
// core.tracklist.set_repeat, handling both the named {"value": true}
// and positional [true] shapes. Returns nil when no boolean is found.
func ExtractBoolArg(params json.RawMessage) *bool {
	if len(params) == 0 {
		return nil
	}
	var named struct {
		Value *bool `json:"value"`
	}
	if err := json.Unmarshal(params, &named); err == nil && named.Value != nil {
		return named.Value
	}
	var positional []bool
	if err := json.Unmarshal(params, &positional); err == nil && len(positional) > 0 {
		return &positional[0]
	}
	return nil
}

// ExtractSearchResultURIs flattens the track URIs out of a
// core.library.search response result, preserving result order. The
// result is a list of SearchResult models, each holding a track list.
func ExtractSearchResultURIs(result json.RawMessage) []string {
	if len(result) == 0 {
		return nil
	}
	var results []struct {
		Tracks []wireTrack `json:"tracks"`
	}
	if err := json.Unmarshal(result, &results); err != nil {
		return nil
	}
	var uris []string
	for _, r := range results {
		for _, t := range r.Tracks {
			if t.URI != "" {
				uris = append(uris, t.URI)
			}
		}
	}
	return uris
}
