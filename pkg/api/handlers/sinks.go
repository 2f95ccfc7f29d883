package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/flowcache"
	"github.com/ethpandaops/cds/pkg/tracking"
)

// SinkResponse combines the admission state of a sink with its cached definition
type SinkResponse struct {
	admission.SinkSnapshot
	Definition *tracking.Sink `json:"definition,omitempty"`
}

// DefinitionResponse is returned when caching a definition
type DefinitionResponse struct {
	Definition any  `json:"definition"`
	Cached     bool `json:"cached"`
}

// ListSinks returns the admission state of every known sink
func (s *Server) ListSinks(c fiber.Ctx) error {
	return c.JSON(s.deps.Admission.Snapshot())
}

// GetSink returns the admission state and definition of one sink
func (s *Server) GetSink(c fiber.Ctx) error {
	id, err := paramID(c, "sinkId")
	if err != nil {
		return err
	}

	// sinks without admission state yet are direct with nothing queued
	resp := SinkResponse{SinkSnapshot: admission.SinkSnapshot{SinkID: id}}

	for _, snapshot := range s.deps.Admission.Snapshot() {
		if snapshot.SinkID == id {
			resp.SinkSnapshot = snapshot
			break
		}
	}

	if s.deps.Definitions != nil {
		def, err := s.deps.Definitions.Sink(c.Context(), id)

		switch {
		case err == nil:
			resp.Definition = def
		case !errors.Is(err, flowcache.ErrNotFound):
			return err
		}
	}

	return c.JSON(resp)
}

// PutSinkDefinition caches a sink definition
func (s *Server) PutSinkDefinition(c fiber.Ctx) error {
	id, err := paramID(c, "sinkId")
	if err != nil {
		return err
	}

	var sink tracking.Sink
	if err := decodeBody(c, &sink); err != nil {
		return err
	}

	sink.ID = id

	cached, hit, err := s.deps.Definitions.PutSink(c.Context(), &sink)
	if errors.Is(err, flowcache.ErrInvalidDefinition) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err != nil {
		return err
	}

	return c.JSON(DefinitionResponse{Definition: cached, Cached: hit})
}

// ForceBulk switches a sink to bulk mode on every engine instance
func (s *Server) ForceBulk(c fiber.Ctx) error {
	return s.override(c, admission.ModeBulk)
}

// ForceTransition starts the transition back to direct mode on every engine instance
func (s *Server) ForceTransition(c fiber.Ctx) error {
	return s.override(c, admission.ModeTransitionToDirect)
}

func (s *Server) override(c fiber.Ctx, mode admission.Mode) error {
	id, err := paramID(c, "sinkId")
	if err != nil {
		return err
	}

	o := admission.Override{SinkID: id, Mode: mode}

	if s.deps.Overrides != nil {
		if err := s.deps.Overrides.PublishOverride(c.Context(), o); err != nil {
			return err
		}
	} else if err := s.deps.Admission.Apply(o); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	s.log.WithFields(logrus.Fields{
		"sink_id": id,
		"mode":    mode,
	}).Info("Admission override requested")

	return c.Status(fiber.StatusAccepted).JSON(o)
}

// GetThresholds returns the admission thresholds
func (s *Server) GetThresholds(c fiber.Ctx) error {
	return c.JSON(s.deps.Admission.Thresholds())
}

// PutThresholds replaces the admission thresholds of this instance
func (s *Server) PutThresholds(c fiber.Ctx) error {
	cfg := s.deps.Admission.Thresholds()
	if err := decodeBody(c, &cfg); err != nil {
		return err
	}

	if err := s.deps.Admission.SetThresholds(cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(s.deps.Admission.Thresholds())
}

// GetFlow returns the most recently cached definition of a flow
func (s *Server) GetFlow(c fiber.Ctx) error {
	id, err := paramID(c, "flowId")
	if err != nil {
		return err
	}

	flow, err := s.deps.Definitions.Flow(c.Context(), id)
	if errors.Is(err, flowcache.ErrNotFound) {
		return ErrDefinitionNotFound
	}

	if err != nil {
		return err
	}

	return c.JSON(flow)
}

// PutFlowDefinition caches a flow definition
func (s *Server) PutFlowDefinition(c fiber.Ctx) error {
	id, err := paramID(c, "flowId")
	if err != nil {
		return err
	}

	var flow flowcache.Flow
	if err := decodeBody(c, &flow); err != nil {
		return err
	}

	flow.ID = id

	cached, hit, err := s.deps.Definitions.PutFlow(c.Context(), &flow)
	if errors.Is(err, flowcache.ErrInvalidDefinition) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err != nil {
		return err
	}

	return c.JSON(DefinitionResponse{Definition: cached, Cached: hit})
}
