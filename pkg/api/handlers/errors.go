package handlers

import "github.com/gofiber/fiber/v3"

var (
	// ErrInvalidID is returned when a path id is not an integer
	ErrInvalidID = fiber.NewError(fiber.StatusBadRequest, "invalid id, expected an integer")
	// ErrInvalidBody is returned when the request body cannot be decoded
	ErrInvalidBody = fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	// ErrChunkNotFound is returned when a chunk is not tracked
	ErrChunkNotFound = fiber.NewError(fiber.StatusNotFound, "chunk not tracked")
	// ErrDefinitionNotFound is returned when a definition is not cached
	ErrDefinitionNotFound = fiber.NewError(fiber.StatusNotFound, "definition not cached")
)
