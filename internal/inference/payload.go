package inference

import (
	"fmt"
	"time"

	"github.com/openfluke/nowcast/nn"
)

// TensorPayload is the JSON form of a tensor.
type TensorPayload struct {
	Shape []int     `json:"shape" validate:"required,min=1,dive,gt=0"`
	Data  []float32 `json:"data" validate:"required"`
}

// ForecastRequest is the wire form of Request, shared by HTTP and Kafka.
type ForecastRequest struct {
	History TensorPayload  `json:"history" validate:"required"`
	Last    *TensorPayload `json:"last,omitempty"`
	Members int            `json:"members,omitempty" validate:"gte=0"`
	Seed    *int64         `json:"seed,omitempty"`
}

// ForecastResponse is the wire form of Result.
type ForecastResponse struct {
	ID         string          `json:"id"`
	ModelID    string          `json:"model_id"`
	CreatedAt  time.Time       `json:"created_at"`
	DurationMS float64         `json:"duration_ms"`
	Members    []TensorPayload `json:"members"`
}

// Tensor converts the payload, checking that data matches shape.
func (p TensorPayload) Tensor() (*nn.Tensor, error) {
	n := 1
	for _, d := range p.Shape {
		if d < 1 {
			return nil, fmt.Errorf("%w: shape %v", ErrInvalidRequest, p.Shape)
		}
		n *= d
	}
	if len(p.Shape) == 0 || n != len(p.Data) {
		return nil, fmt.Errorf("%w: %d values do not fill shape %v", ErrInvalidRequest, len(p.Data), p.Shape)
	}
	return nn.FromSlice(p.Data, p.Shape...), nil
}

// PayloadOf wraps t without copying.
func PayloadOf(t *nn.Tensor) TensorPayload {
	return TensorPayload{Shape: t.Shape, Data: t.Data}
}

// Request decodes the wire request.
func (r ForecastRequest) Request() (Request, error) {
	history, err := r.History.Tensor()
	if err != nil {
		return Request{}, fmt.Errorf("history: %w", err)
	}
	req := Request{History: history, Members: r.Members, Seed: r.Seed}
	if r.Last != nil {
		if req.Last, err = r.Last.Tensor(); err != nil {
			return Request{}, fmt.Errorf("last: %w", err)
		}
	}
	return req, nil
}

// Response encodes the result.
func (r *Result) Response() ForecastResponse {
	members := make([]TensorPayload, len(r.Members))
	for i, m := range r.Members {
		members[i] = PayloadOf(m)
	}
	return ForecastResponse{
		ID:         r.ID,
		ModelID:    r.ModelID,
		CreatedAt:  r.CreatedAt,
		DurationMS: float64(r.Duration) / float64(time.Millisecond),
		Members:    members,
	}
}
