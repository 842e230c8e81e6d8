package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/otterflow/otterflow/internal/apikey"
	"github.com/otterflow/otterflow/internal/events"
	"github.com/otterflow/otterflow/internal/providers"
	"github.com/otterflow/otterflow/internal/router"
)

// maxQueryBytes bounds the request body of the chat endpoints.
const maxQueryBytes = 1 << 20

type priorities struct {
	Cost     *int `json:"cost"`
	Accuracy *int `json:"accuracy"`
	Latency  *int `json:"latency"`
}

// ChatRequest is the body of /v1/chat/completions and /v1/chat/stream.
type ChatRequest struct {
	Query       string             `json:"query"`
	Mode        string             `json:"mode,omitempty"`
	Model       string             `json:"model,omitempty"`
	Priorities  *priorities        `json:"priorities,omitempty"`
	Constraints router.Constraints `json:"constraints,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	ID            string               `json:"id"`
	Model         string               `json:"model"`
	Provider      string               `json:"provider"`
	Domain        string               `json:"domain"`
	Output        string               `json:"output"`
	Usage         chatUsage            `json:"usage"`
	Cost          float64              `json:"cost"`
	LatencyMs     float64              `json:"latency_ms"`
	SelectionMode router.SelectionMode `json:"selection_mode"`
	BanditChoice  string               `json:"bandit_choice,omitempty"`
	Attempts      int                  `json:"attempts"`
}

func pick(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// routingRequest validates body and turns it into a router request for the
// authenticated caller.
func routingRequest(ctx context.Context, body ChatRequest) (router.RoutingRequest, error) {
	if strings.TrimSpace(body.Query) == "" {
		return router.RoutingRequest{}, errors.New("query is required")
	}
	mode := router.Mode(strings.ToLower(body.Mode))
	switch mode {
	case "":
		mode = router.ModeAuto
	case router.ModeAuto:
	case router.ModeManual:
		if body.Model == "" {
			return router.RoutingRequest{}, errors.New("model is required in manual mode")
		}
	default:
		return router.RoutingRequest{}, fmt.Errorf("unknown mode %q", body.Mode)
	}

	p := router.DefaultPriorities
	if body.Priorities != nil {
		p = router.Priorities{
			Cost:     pick(body.Priorities.Cost, p.Cost),
			Accuracy: pick(body.Priorities.Accuracy, p.Accuracy),
			Latency:  pick(body.Priorities.Latency, p.Latency),
		}
	}
	if p.Cost < 0 || p.Accuracy < 0 || p.Latency < 0 {
		return router.RoutingRequest{}, errors.New("priorities must be >= 0")
	}

	return router.RoutingRequest{
		RequestID:   uuid.NewString(),
		UserID:      apikey.UserID(ctx),
		Query:       body.Query,
		Mode:        mode,
		Model:       body.Model,
		Priorities:  p,
		Constraints: body.Constraints,
	}, nil
}

func decodeChat(w http.ResponseWriter, r *http.Request) (router.RoutingRequest, bool) {
	var body ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBytes)).Decode(&body); err != nil {
		jsonError(w, "bad json", http.StatusBadRequest)
		return router.RoutingRequest{}, false
	}
	req, err := routingRequest(r.Context(), body)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return router.RoutingRequest{}, false
	}
	w.Header().Set("X-Request-ID", req.RequestID)
	return req, true
}

// statusFor maps routing errors onto HTTP status codes.
func statusFor(err error) int {
	var allFailed *router.AllCandidatesFailedError
	switch {
	case errors.Is(err, router.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, router.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, router.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNoEligibleModels):
		return http.StatusUnprocessableEntity
	case errors.As(err, &allFailed), errors.Is(err, router.ErrEmptyResponse):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChat(w, r)
		if !ok {
			return
		}
		ctx := providers.WithRequestID(r.Context(), req.RequestID)

		out, err := d.Engine.Route(ctx, req, nil)
		if err != nil {
			code := statusFor(err)
			slog.Warn("chat: routing failed",
				slog.String("request_id", req.RequestID),
				slog.Int("status", code),
				slog.String("error", err.Error()))
			jsonError(w, err.Error(), code)
			return
		}

		writeJSON(w, http.StatusOK, ChatResponse{
			ID:       req.RequestID,
			Model:    out.Model,
			Provider: out.Provider,
			Domain:   out.Domain,
			Output:   out.Output,
			Usage: chatUsage{
				PromptTokens:     out.PromptTokens,
				CompletionTokens: out.CompletionTokens,
				TotalTokens:      out.TotalTokens,
			},
			Cost:          out.Cost,
			LatencyMs:     out.LatencyMs,
			SelectionMode: out.SelectionMode,
			BanditChoice:  out.BanditChoice,
			Attempts:      out.Attempts,
		})
	}
}

// ChatStreamHandler streams routing steps as server-sent events. A failed
// request ends the stream with an error step.
func ChatStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		req, ok := decodeChat(w, r)
		if !ok {
			return
		}
		ctx := providers.WithRequestID(r.Context(), req.RequestID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		emit := func(s events.Step) {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", s.JSON())
			flusher.Flush()
		}
		if _, err := d.Engine.Route(ctx, req, emit); err != nil {
			slog.Warn("chat stream: routing failed",
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()))
			emit(events.Step{Step: events.StepError, Error: err.Error()})
		}
	}
}
