package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/ethpandaops/cds/pkg/dependencies"
	"github.com/ethpandaops/cds/pkg/tracking"
)

// GraphResponse describes the dependency neighbourhood of a chunk
type GraphResponse struct {
	*dependencies.Info
	Key          tracking.Key   `json:"key"`
	Dependents   []tracking.Key `json:"dependents"`
	Dependencies []tracking.Key `json:"dependencies"`
}

// WaitingResponse lists the chunks waiting on a chunk
type WaitingResponse struct {
	Key     tracking.Key   `json:"key"`
	Waiting []tracking.Key `json:"waiting"`
}

// GetChunk returns the tracking entry of a chunk
func (s *Server) GetChunk(c fiber.Ctx) error {
	key, err := paramKey(c)
	if err != nil {
		return err
	}

	entry, err := s.deps.Entries.Get(c.Context(), key)
	if errors.Is(err, tracking.ErrEntryNotFound) {
		return ErrChunkNotFound
	}

	if err != nil {
		return err
	}

	return c.JSON(entry)
}

// GetWaitingChunks returns every chunk waiting on a chunk, directly or transitively
func (s *Server) GetWaitingChunks(c fiber.Ctx) error {
	key, err := paramKey(c)
	if err != nil {
		return err
	}

	waiting, err := s.deps.Scheduler.FindChunksWaitingForMe(c.Context(), key)
	if err != nil {
		return err
	}

	return c.JSON(WaitingResponse{Key: key, Waiting: waiting})
}

// GetChunkGraph returns the dependency neighbourhood of a chunk: its
// predecessors and everything waiting on it. format=dot renders Graphviz.
func (s *Server) GetChunkGraph(c fiber.Ctx) error {
	key, err := paramKey(c)
	if err != nil {
		return err
	}

	ctx := c.Context()

	entry, err := s.deps.Entries.Get(ctx, key)
	if errors.Is(err, tracking.ErrEntryNotFound) {
		return ErrChunkNotFound
	}

	if err != nil {
		return err
	}

	waiting, err := s.deps.Scheduler.FindChunksWaitingForMe(ctx, key)
	if err != nil {
		return err
	}

	related := make([]tracking.Key, 0, len(waiting)+len(entry.WaitingOn))
	related = append(related, waiting...)
	related = append(related, entry.WaitingOn...)

	found, _, err := s.deps.Entries.GetMany(ctx, related)
	if err != nil {
		return err
	}

	nodes := make([]dependencies.Node, 0, len(found)+1)
	nodes = append(nodes, dependencies.NodeFromEntry(entry))

	for _, e := range found {
		nodes = append(nodes, dependencies.NodeFromEntry(e))
	}

	graph := dependencies.NewGraph()
	if err := graph.Build(nodes); err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}

	if c.Query("format") == "dot" {
		c.Set(fiber.HeaderContentType, "text/vnd.graphviz; charset=utf-8")
		return c.SendString(graph.GenerateDOTFormat())
	}

	return c.JSON(GraphResponse{
		Info:         graph.GetInfo(),
		Key:          key,
		Dependents:   graph.GetAllDependents(key),
		Dependencies: graph.GetAllDependencies(key),
	})
}
