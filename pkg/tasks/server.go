package tasks

import (
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Server consumes inbound events from the scheduler queue
type Server struct {
	log    logrus.FieldLogger
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer creates an event server for handler
func NewServer(log logrus.FieldLogger, redisOpt asynq.RedisClientOpt, cfg Config, handler *Handler) *Server {
	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	return &Server{
		log: log.WithField("component", "transport-server"),
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      map[string]int{cfg.EventQueue: 10},
		}),
		mux: mux,
	}
}

// Start runs the server in the background
func (s *Server) Start() error {
	if err := s.server.Start(s.mux); err != nil {
		return err
	}

	s.log.Info("Event server started")

	return nil
}

// Stop waits for in-flight events and stops the server
func (s *Server) Stop() {
	s.server.Shutdown()

	s.log.Info("Event server stopped")
}
