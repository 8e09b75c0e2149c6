package endpoint

// InvocationRequest is the JSON body accepted by POST /invocations.
type InvocationRequest struct {
	Instances [][]float64 `json:"instances"`
}

// Prediction is one instance's model output.
type Prediction struct {
	Label         int       `json:"label"`
	Probabilities []float64 `json:"probabilities"`
}

// InvocationResponse is the JSON body returned by POST /invocations.
type InvocationResponse struct {
	Predictions []Prediction `json:"predictions"`
}

type pingResponse struct {
	Status   string `json:"status"`
	Endpoint string `json:"endpoint"`
}

type errorResponse struct {
	Error string `json:"error"`
}
