package idempotency

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// ReplayHeader marca respostas reproduzidas do registro, sem execução real.
const ReplayHeader = "X-Idempotent-Replay"

// capturedResponse é a forma serializada da resposta registrada como
// resultado da operação. É o que garante replay byte a byte para duplicatas.
type capturedResponse struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

func (c capturedResponse) encode() ([]byte, error) {
	return json.Marshal(c)
}

func decodeCaptured(raw []byte) (capturedResponse, bool) {
	var c capturedResponse
	if err := json.Unmarshal(raw, &c); err != nil || c.StatusCode == 0 {
		return capturedResponse{}, false
	}
	return c, true
}

func (c capturedResponse) writeTo(w http.ResponseWriter, replay bool) {
	for k, vs := range c.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if replay {
		w.Header().Set(ReplayHeader, "true")
	}
	w.WriteHeader(c.StatusCode)
	_, _ = w.Write(c.Body)
}

// recorder captura a resposta do handler embrulhado em vez de entregá-la
// direto ao cliente, para que ela possa ser registrada e reproduzida.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *recorder) captured() capturedResponse {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return capturedResponse{
		StatusCode: status,
		Header:     r.header,
		Body:       r.body.Bytes(),
	}
}

// upstreamError carrega a resposta de falha do handler embrulhado através do
// coordenador: sob política permanente o payload capturado vai para o
// ErrorInfo do registro (e duplicatas recebem a mesma falha); sob política
// retryable o chamador original ainda recebe a resposta que o handler gerou.
type upstreamError struct {
	captured capturedResponse
	encoded  []byte
}

func (e *upstreamError) Error() string {
	return "upstream handler returned " + http.StatusText(e.captured.StatusCode)
}

// FailurePayload entrega o corpo registrado para falhas permanentes.
func (e *upstreamError) FailurePayload() []byte {
	return e.encoded
}
