// Package handlers implements the radiarr HTTP API endpoints.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/radiarr/internal/catalog"
)

// StreamsHandler serves the stream catalog.
type StreamsHandler struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewStreamsHandler creates a new streams handler.
func NewStreamsHandler(c *catalog.Catalog) *StreamsHandler {
	return &StreamsHandler{
		catalog: c,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *StreamsHandler) WithLogger(logger *slog.Logger) *StreamsHandler {
	h.logger = logger
	return h
}

// ListStreamsInput holds the query parameters for listing streams.
type ListStreamsInput struct {
	Language string `query:"language" doc:"Filter by ISO 639-1 language code (e.g. en, fr)"`
}

// ListStreamsOutput is the response for listing streams.
type ListStreamsOutput struct {
	Body struct {
		Streams []catalog.Stream `json:"streams"`
		Count   int              `json:"count"`
		Default string           `json:"default" doc:"ID of the catalog default stream"`
	}
}

// GetStreamInput holds the path parameters for fetching one stream.
type GetStreamInput struct {
	ID string `path:"id" doc:"Stream identifier"`
}

// GetStreamOutput is the response for fetching one stream.
type GetStreamOutput struct {
	Body catalog.Stream
}

// Register registers the stream catalog routes with the API.
func (h *StreamsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams",
		Summary:     "List catalog streams",
		Description: "Returns the stream catalog, optionally filtered by language.",
		Tags:        []string{"Streams"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams/{id}",
		Summary:     "Get a catalog stream",
		Description: "Returns a single stream by its catalog ID.",
		Tags:        []string{"Streams"},
	}, h.GetStream)
}

// ListStreams returns the catalog, optionally filtered by language.
func (h *StreamsHandler) ListStreams(ctx context.Context, input *ListStreamsInput) (*ListStreamsOutput, error) {
	streams := h.catalog.All()

	if input.Language != "" {
		filtered := make([]catalog.Stream, 0, len(streams))
		for _, s := range streams {
			if strings.EqualFold(s.Language, input.Language) {
				filtered = append(filtered, s)
			}
		}
		streams = filtered
	}

	resp := &ListStreamsOutput{}
	resp.Body.Streams = streams
	resp.Body.Count = len(streams)
	resp.Body.Default = h.catalog.Default().ID
	return resp, nil
}

// GetStream returns a single stream by ID.
func (h *StreamsHandler) GetStream(ctx context.Context, input *GetStreamInput) (*GetStreamOutput, error) {
	s, ok := h.catalog.Get(input.ID)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("stream %q not found", input.ID))
	}
	return &GetStreamOutput{Body: s}, nil
}
