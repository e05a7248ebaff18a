package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"

	"github.com/couchcryptid/storm-alert-pipeline/internal/delivery"
	"github.com/couchcryptid/storm-alert-pipeline/internal/pipeline"
	"github.com/couchcryptid/storm-alert-pipeline/internal/state"
	"github.com/couchcryptid/storm-alert-pipeline/internal/subscriber"
	"github.com/couchcryptid/storm-alert-pipeline/internal/workflow"
)

// StateReader exposes the lifecycle document.
type StateReader interface {
	Snapshot() state.Lifecycle
}

// PipelineStats exposes cumulative processing statistics.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// Deliveries exposes the delivery queue and its operator actions.
type Deliveries interface {
	Get(id string) (delivery.Item, error)
	Due() []delivery.Item
	Stats() delivery.Stats
	History(f delivery.Filter) []delivery.Item
	Cancel(ctx context.Context, id string) error
	RetryFailed(ctx context.Context) int
}

// Workflows exposes workflow definitions and executions.
type Workflows interface {
	Workflows() []workflow.Workflow
	Unregister(id string) error
	Execution(id string) (workflow.Execution, error)
	Executions(workflowID string) []workflow.Execution
}

// Subscribers manages the subscriber directory.
type Subscribers interface {
	List() []subscriber.Subscriber
	Get(id string) (subscriber.Subscriber, error)
	Stats() subscriber.Stats
	Add(ctx context.Context, s subscriber.Subscriber) (subscriber.Subscriber, error)
	Update(ctx context.Context, s subscriber.Subscriber) (subscriber.Subscriber, error)
	Remove(ctx context.Context, id string) error
}

// API serves views of the service's state and a few operator actions. Reads
// may be slightly stale relative to the loops writing them.
type API struct {
	state       StateReader
	pipeline    PipelineStats
	queue       Deliveries
	workflows   Workflows
	subscribers Subscribers
	logger      *slog.Logger
}

// NewAPI creates the status API. Every source is required.
func NewAPI(st StateReader, p PipelineStats, q Deliveries, wf Workflows, subs Subscribers, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{state: st, pipeline: p, queue: q, workflows: wf, subscribers: subs, logger: logger}
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", a.handleState)
		r.Get("/pipeline/stats", a.handlePipelineStats)

		r.Get("/deliveries", a.handleDeliveries)
		r.Get("/deliveries/stats", a.handleDeliveryStats)
		r.Get("/deliveries/due", a.handleDueDeliveries)
		r.Post("/deliveries/retry-failed", a.handleRetryFailed)
		r.Get("/deliveries/{id}", a.handleDelivery)
		r.Post("/deliveries/{id}/cancel", a.handleCancelDelivery)

		r.Get("/workflows", a.handleWorkflows)
		r.Delete("/workflows/{id}", a.handleUnregisterWorkflow)
		r.Get("/workflows/{id}/executions", a.handleWorkflowExecutions)
		r.Get("/executions/{id}", a.handleExecution)

		r.Get("/subscribers", a.handleSubscribers)
		r.Post("/subscribers", a.handleAddSubscriber)
		r.Get("/subscribers/stats", a.handleSubscriberStats)
		r.Get("/subscribers/{id}", a.handleSubscriber)
		r.Put("/subscribers/{id}", a.handleUpdateSubscriber)
		r.Delete("/subscribers/{id}", a.handleRemoveSubscriber)
	})
}

func (a *API) handleState(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.state.Snapshot())
}

func (a *API) handlePipelineStats(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.pipeline.Stats())
}

func (a *API) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := delivery.Filter{
		AlertID: q.Get("alert_id"),
		Channel: q.Get("channel"),
		Status:  delivery.Status(q.Get("status")),
		Limit:   100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	sharedobs.WriteJSON(w, http.StatusOK, a.queue.History(f))
}

func (a *API) handleDeliveryStats(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.queue.Stats())
}

func (a *API) handleDelivery(w http.ResponseWriter, r *http.Request) {
	it, err := a.queue.Get(chi.URLParam(r, "id"))
	if errors.Is(err, delivery.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error("get delivery failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, it)
}

func (a *API) handleDueDeliveries(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.queue.Due())
}

func (a *API) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n := a.queue.RetryFailed(r.Context())
	sharedobs.WriteJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (a *API) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.queue.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, delivery.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		a.logger.Error("cancel delivery failed", "delivery_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	it, err := a.queue.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, it)
}

func (a *API) handleWorkflows(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.workflows.Workflows())
}

func (a *API) handleUnregisterWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.workflows.Unregister(id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		a.logger.Error("unregister workflow failed", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.logger.Info("workflow unregistered", "workflow_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.workflows.Executions(chi.URLParam(r, "id")))
}

func (a *API) handleExecution(w http.ResponseWriter, r *http.Request) {
	x, err := a.workflows.Execution(chi.URLParam(r, "id"))
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error("get execution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, x)
}

func (a *API) handleSubscribers(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.subscribers.List())
}

func (a *API) handleSubscriberStats(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, a.subscribers.Stats())
}

func (a *API) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	s, err := a.subscribers.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeSubscriberError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, s)
}

func (a *API) handleAddSubscriber(w http.ResponseWriter, r *http.Request) {
	var s subscriber.Subscriber
	if !decodeBody(w, r, &s) {
		return
	}
	out, err := a.subscribers.Add(r.Context(), s)
	if err != nil {
		a.writeSubscriberError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusCreated, out)
}

func (a *API) handleUpdateSubscriber(w http.ResponseWriter, r *http.Request) {
	var s subscriber.Subscriber
	if !decodeBody(w, r, &s) {
		return
	}
	s.ID = chi.URLParam(r, "id")
	out, err := a.subscribers.Update(r.Context(), s)
	if err != nil {
		a.writeSubscriberError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, out)
}

func (a *API) handleRemoveSubscriber(w http.ResponseWriter, r *http.Request) {
	if err := a.subscribers.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeSubscriberError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeSubscriberError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscriber.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, subscriber.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, subscriber.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("subscriber request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	sharedobs.WriteJSON(w, status, map[string]string{"error": msg})
}
