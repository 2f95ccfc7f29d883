package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/queue"
)

// AbortResponse reports how many chunks an abort removed
type AbortResponse struct {
	JobID   int64 `json:"jobId"`
	Removed int   `json:"removed"`
}

// SubmitJob queues a job for partitioning
func (s *Server) SubmitJob(c fiber.Ctx) error {
	var entry queue.JobEntry
	if err := decodeBody(c, &entry); err != nil {
		return err
	}

	// assigned by the queue
	entry.ID = 0

	if err := s.deps.Jobs.AddWaiting(c.Context(), &entry); err != nil {
		if errors.Is(err, queue.ErrInvalidEntry) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		return err
	}

	return c.Status(fiber.StatusCreated).JSON(entry)
}

// SubmitRerun queues a job for rerun
func (s *Server) SubmitRerun(c fiber.Ctx) error {
	var entry queue.RerunEntry
	if err := decodeBody(c, &entry); err != nil {
		return err
	}

	entry.ID = 0

	if err := s.deps.Reruns.AddWaiting(c.Context(), &entry); err != nil {
		if errors.Is(err, queue.ErrInvalidEntry) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		return err
	}

	return c.Status(fiber.StatusCreated).JSON(entry)
}

// AbortJob stops tracking every chunk of a job
func (s *Server) AbortJob(c fiber.Ctx) error {
	jobID, err := paramID(c, "jobId")
	if err != nil {
		return err
	}

	removed, err := s.deps.Scheduler.AbortJob(c.Context(), jobID)
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{"job_id": jobID, "removed": removed}).Info("Job aborted through the API")

	return c.JSON(AbortResponse{JobID: jobID, Removed: removed})
}

// ListJobsInProgress returns the jobs currently being partitioned
func (s *Server) ListJobsInProgress(c fiber.Ctx) error {
	entries, err := s.deps.Jobs.GetInProgress(c.Context())
	if err != nil {
		return err
	}

	return c.JSON(entries)
}

// ListSinkJobs returns the job FIFO of a sink
func (s *Server) ListSinkJobs(c fiber.Ctx) error {
	sinkID, err := paramID(c, "sinkId")
	if err != nil {
		return err
	}

	entries, err := s.deps.Jobs.List(c.Context(), sinkID)
	if err != nil {
		return err
	}

	return c.JSON(entries)
}

// ListRerunsInProgress returns the reruns currently running
func (s *Server) ListRerunsInProgress(c fiber.Ctx) error {
	entries, err := s.deps.Reruns.GetInProgress(c.Context())
	if err != nil {
		return err
	}

	return c.JSON(entries)
}
