package handler

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/memchat/bridge-server-go/internal/errors"
)

// PairingRedeemer is the pairing surface exposed over HTTP.
type PairingRedeemer interface {
	Redeem(ctx context.Context, code, username, secret string) error
}

type PairHandler struct {
	pairing PairingRedeemer
}

func NewPairHandler(pairing PairingRedeemer) *PairHandler {
	return &PairHandler{pairing: pairing}
}

func (h *PairHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pair", h.PairPage)
	r.Post("/api/pair", h.Pair)

	return r
}

type pairRequest struct {
	Code     string `json:"code"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type pairResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// POST /api/pair
func (h *PairHandler) Pair(w http.ResponseWriter, r *http.Request) {
	var body pairRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, pairResponse{Success: false, Error: "invalid request body"})
		return
	}
	if body.Code == "" || body.Username == "" || body.Secret == "" {
		writeJSON(w, http.StatusOK, pairResponse{Success: false, Error: "code, username and secret are required"})
		return
	}

	if err := h.pairing.Redeem(r.Context(), body.Code, body.Username, body.Secret); err != nil {
		// The pairing page is the one place backend error detail is shown.
		message := "pairing failed"
		if appErr, ok := apperrors.AsAppError(err); ok {
			message = appErr.Message
		}
		writeJSON(w, http.StatusOK, pairResponse{Success: false, Error: message})
		return
	}

	writeJSON(w, http.StatusOK, pairResponse{Success: true})
}

// GET /pair
func (h *PairHandler) PairPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pairPageTemplate.Execute(w, nil); err != nil {
		log.Error().Err(err).Msg("failed to render pairing page")
	}
}

var pairPageTemplate = template.Must(template.New("pair").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Pair your device</title>
  <style>
    body { font-family: sans-serif; max-width: 24rem; margin: 4rem auto; padding: 0 1rem; }
    label { display: block; margin-top: 1rem; }
    input { width: 100%; padding: .5rem; margin-top: .25rem; }
    button { margin-top: 1.5rem; padding: .5rem 1.5rem; }
    #result { margin-top: 1rem; }
    .error { color: #b00020; }
    .ok { color: #1b5e20; }
  </style>
</head>
<body>
  <h1>Pair your device</h1>
  <p>Enter the code shown on your glasses and sign in.</p>
  <form id="pair-form">
    <label>Pairing code <input name="code" inputmode="numeric" autocomplete="one-time-code" required></label>
    <label>Email <input name="username" type="email" required></label>
    <label>Password <input name="secret" type="password" required></label>
    <button type="submit">Pair</button>
  </form>
  <p id="result"></p>
  <script>
    document.getElementById('pair-form').addEventListener('submit', async (e) => {
      e.preventDefault();
      const form = new FormData(e.target);
      const result = document.getElementById('result');
      result.textContent = 'Pairing...';
      result.className = '';
      const resp = await fetch('/api/pair', {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify(Object.fromEntries(form)),
      });
      const data = await resp.json();
      if (data.success) {
        result.textContent = 'Paired! You can close this page.';
        result.className = 'ok';
      } else {
        result.textContent = data.error || 'Pairing failed';
        result.className = 'error';
      }
    });
  </script>
</body>
</html>
`))
