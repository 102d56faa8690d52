package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nexcrm/procflow/internal/config"
	"github.com/nexcrm/procflow/internal/log"
	apierror "github.com/nexcrm/procflow/internal/rest/error"
	"github.com/nexcrm/procflow/internal/rest/middleware"
	"github.com/nexcrm/procflow/pkg/flow"
	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

type Server struct {
	sync.RWMutex
	engine *flow.Engine
	store  storage.Storage
	addr   string
	server *http.Server
}

func NewServer(engine *flow.Engine, store storage.Storage, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine: engine,
		store:  store,
		addr:   conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.CorrelationId())
	r.Use(middleware.Opentelemetry(conf))
	r.Use(middleware.StripEmptyQueryParams())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/engine", s.handleCommand)
		r.Post("/process-definitions", s.handleDeployDefinition)
		r.Get("/process-definitions/{definitionId}", s.handleGetDefinitionVersions)
		r.Get("/process-definitions/key/{definitionKey}", s.handleGetDefinitionByKey)
		r.Get("/process-instances", s.handleListEntityInstances)
		r.Get("/process-instances/{instanceKey}", s.handleGetInstance)
		r.Get("/process-instances/{instanceKey}/violations", s.handleListViolations)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, r, http.StatusOK, map[string]string{
				"engine": engine.Name(),
				"state":  "running",
			})
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("ProcFlow REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

// Handler exposes the router, mainly so tests can mount it on httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

// commandEnvelope is the wire form of the engine commands. A body carrying an
// event is a process_event command; otherwise action selects the variant.
type commandEnvelope struct {
	Action       string         `json:"action"`
	DefinitionId string         `json:"definition_id"`
	EntityType   string         `json:"entity_type"` // informational on start, the definition pins the type
	EntityId     string         `json:"entity_id"`
	InstanceKey  int64          `json:"instance_key"`
	TargetNodeId string         `json:"target_node_id"`
	Variables    map[string]any `json:"variables"`
	Event        *runtime.Event `json:"event"`
}

func (env *commandEnvelope) toCommand() (flow.Command, error) {
	if env.Event != nil {
		return flow.ProcessEventCommand{Event: *env.Event}, nil
	}
	switch env.Action {
	case "start_process":
		return flow.StartProcessCommand{
			DefinitionId: env.DefinitionId,
			EntityId:     env.EntityId,
			Variables:    env.Variables,
		}, nil
	case "advance_process":
		return flow.AdvanceProcessCommand{
			InstanceKey:  env.InstanceKey,
			TargetNodeId: env.TargetNodeId,
			Variables:    env.Variables,
		}, nil
	case "check_sla":
		return flow.CheckSLACommand{}, nil
	case "":
		return nil, errors.New("missing action")
	default:
		return nil, errors.New("unknown action " + env.Action)
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var env commandEnvelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: err.Error(),
			Type:    "BAD_REQUEST",
		})
		return
	}
	cmd, err := env.toCommand()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: err.Error(),
			Type:    "BAD_REQUEST",
		})
		return
	}
	result, err := s.engine.Handle(r.Context(), cmd)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleDeployDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: err.Error(),
			Type:    "BAD_REQUEST",
		})
		return
	}
	definition, err := s.engine.DeployDefinition(r.Context(), body)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, definition)
}

func (s *Server) handleGetDefinitionVersions(w http.ResponseWriter, r *http.Request) {
	definitionId := chi.URLParam(r, "definitionId")
	definitions, err := s.store.FindDefinitionsById(r.Context(), definitionId)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if len(definitions) == 0 {
		writeError(w, r, http.StatusNotFound, apierror.ApiError{
			Message: "process definition " + definitionId + " not found",
			Type:    "NOT_FOUND",
		})
		return
	}
	writeJSON(w, r, http.StatusOK, definitions)
}

func (s *Server) handleGetDefinitionByKey(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "definitionKey")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: err.Error(),
			Type:    "BAD_REQUEST",
		})
		return
	}
	definition, err := s.store.FindDefinitionByKey(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, definition)
}

func (s *Server) handleListEntityInstances(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	entityId := r.URL.Query().Get("entity_id")
	if entityType == "" || entityId == "" {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: "entity_type and entity_id query parameters are required",
			Type:    "BAD_REQUEST",
		})
		return
	}
	var (
		instances []runtime.ProcessInstance
		err       error
	)
	if r.URL.Query().Get("state") == string(runtime.InstanceStateRunning) {
		instances, err = s.store.FindRunningInstances(r.Context(), entityType, entityId)
	} else {
		instances, err = s.store.FindEntityInstances(r.Context(), entityType, entityId)
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "instanceKey")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: err.Error(),
			Type:    "BAD_REQUEST",
		})
		return
	}
	instance, err := s.store.FindProcessInstanceByKey(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, instance)
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "instanceKey")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: err.Error(),
			Type:    "BAD_REQUEST",
		})
		return
	}
	violations, err := s.store.FindViolationsByInstance(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, violations)
}

func pathKey(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// decodeBody tolerates unknown fields: events arrive from upstream systems
// that attach payloads the engine has no interest in.
func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return decoder.Decode(into)
}

// writeEngineError maps engine and storage failures onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *flow.DefinitionValidationError
	var engineErr *flow.EngineError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, apierror.ApiError{
			Message: err.Error(),
			Type:    "NOT_FOUND",
		})
	case errors.As(err, &validationErr):
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Message: err.Error(),
			Type:    "INVALID_DEFINITION",
		})
	case errors.As(err, &engineErr):
		writeError(w, r, http.StatusConflict, apierror.ApiError{
			Message: err.Error(),
			Type:    "CONFLICT",
		})
	default:
		writeError(w, r, http.StatusInternalServerError, apierror.ApiError{
			Message: err.Error(),
			Type:    "ERROR",
		})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, resp interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("Server error: %s", err)
	} else {
		w.Write(body)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp interface{}) {
	writeJSON(w, r, status, resp)
}
