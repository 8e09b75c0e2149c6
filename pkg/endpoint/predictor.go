package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/retry"
)

// Predictor is an HTTP client for one serving endpoint.
type Predictor struct {
	name        string
	baseURL     string
	pingTimeout time.Duration
	client      *http.Client
}

// NewPredictor builds a client for the endpoint listening on port.
func NewPredictor(cfg *config.Config, name string, port int) *Predictor {
	host := cfg.Endpoint.Host
	if host == "" {
		host = "127.0.0.1"
	}
	pingTimeout := cfg.Endpoint.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	return &Predictor{
		name:        name,
		baseURL:     "http://" + net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		pingTimeout: pingTimeout,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the endpoint name this predictor talks to.
func (p *Predictor) Name() string {
	return p.name
}

// Ping checks the endpoint health route.
func (p *Predictor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/ping", nil)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "building ping request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeEndpointUnhealthy, "pinging endpoint").
			WithContext("endpoint", p.name).
			WithRetryable(true)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return kilnerrors.New(kilnerrors.ErrCodeEndpointUnhealthy, "endpoint ping failed").
			WithContext("endpoint", p.name).
			WithContext("status", resp.StatusCode).
			WithRetryable(retry.RetryableStatus(resp.StatusCode))
	}
	return nil
}

// WaitReady polls the health route until the endpoint answers or the
// context ends.
func (p *Predictor) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := p.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return kilnerrors.Wrap(ctx.Err(), kilnerrors.ErrCodeEndpointUnhealthy, "endpoint never became ready").
				WithContext("endpoint", p.name).
				WithRemediation("check the serving process logs and the endpoint status")
		case <-ticker.C:
		}
	}
}

// PredictBatch sends instances for inference and returns one
// prediction per instance.
func (p *Predictor) PredictBatch(ctx context.Context, instances [][]float64) ([]Prediction, error) {
	if len(instances) == 0 {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "no instances to predict")
	}

	body, err := json.Marshal(InvocationRequest{Instances: instances})
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "encoding invocation request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/invocations", bytes.NewReader(body))
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "building invocation request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInvocation, "invoking endpoint").
			WithContext("endpoint", p.name).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readError(resp.Body)
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvocation, "endpoint rejected invocation").
			WithContext("endpoint", p.name).
			WithContext("status", resp.StatusCode).
			WithContext("detail", msg).
			WithUserMessage(msg).
			WithRetryable(retry.RetryableStatus(resp.StatusCode))
	}

	var out InvocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInvocation, "decoding invocation response").
			WithContext("endpoint", p.name)
	}
	if len(out.Predictions) != len(instances) {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvocation, "endpoint returned wrong prediction count").
			WithContext("endpoint", p.name).
			WithContext("want", len(instances)).
			WithContext("got", len(out.Predictions))
	}
	return out.Predictions, nil
}

// Predict runs inference on a single instance and returns its class
// probabilities.
func (p *Predictor) Predict(ctx context.Context, instance []float64) ([]float64, error) {
	preds, err := p.PredictBatch(ctx, [][]float64{instance})
	if err != nil {
		return nil, err
	}
	return preds[0].Probabilities, nil
}

// Label runs inference on a single instance and returns the most
// probable class.
func (p *Predictor) Label(ctx context.Context, instance []float64) (int, error) {
	probs, err := p.Predict(ctx, instance)
	if err != nil {
		return 0, err
	}
	return learner.Argmax(probs), nil
}

func readError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no error detail"
	}
	var body errorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(bytes.TrimSpace(data))
}
