package web

import (
	"encoding/json"
	"net/http"
	"time"

	"lockhub/internal/transport"
)

func (s *Server) handleCredentialSummary(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	summary, err := s.orch.Credentials(r.Context(), addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

type passcodeRequest struct {
	Code  string    `json:"code"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) decodePasscodeRequest(w http.ResponseWriter, r *http.Request) (passcodeRequest, bool) {
	var req passcodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if !validPasscode(req.Code) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code must be 4 to 10 digits"})
		return req, false
	}
	if !validWindow(req.Start, req.End) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end must not precede start"})
		return req, false
	}
	return req, true
}

func (s *Server) handleListPasscodes(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	codes, err := s.orch.Passcodes(r.Context(), addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if codes == nil {
		codes = []transport.Passcode{}
	}
	s.writeJSON(w, http.StatusOK, codes)
}

func (s *Server) handleAddPasscode(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	req, ok := s.decodePasscodeRequest(w, r)
	if !ok {
		return
	}
	code, err := s.orch.AddPasscode(r.Context(), addr, req.Code, req.Start, req.End)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, code)
}

func (s *Server) handleUpdatePasscode(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	id := r.PathValue("id")
	req, ok := s.decodePasscodeRequest(w, r)
	if !ok {
		return
	}
	if err := s.orch.UpdatePasscode(r.Context(), addr, id, req.Code, req.Start, req.End); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeletePasscode(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	id := r.PathValue("id")
	if err := s.orch.DeletePasscode(r.Context(), addr, id); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// credentialRequest covers cards and fingerprints: a validity window plus
// an optional local alias. Enrollment itself happens on the device.
type credentialRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Alias string    `json:"alias"`
}

func (s *Server) decodeCredentialRequest(w http.ResponseWriter, r *http.Request) (credentialRequest, bool) {
	var req credentialRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if len(req.Alias) > 64 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "alias limited to 64 characters"})
		return req, false
	}
	if !validWindow(req.Start, req.End) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end must not precede start"})
		return req, false
	}
	return req, true
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	cards, err := s.orch.Cards(r.Context(), addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if cards == nil {
		cards = []transport.Card{}
	}
	s.writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleAddCard(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	req, ok := s.decodeCredentialRequest(w, r)
	if !ok {
		return
	}
	card, err := s.orch.AddCard(r.Context(), addr, req.Start, req.End, req.Alias)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, card)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	id := r.PathValue("id")
	req, ok := s.decodeCredentialRequest(w, r)
	if !ok {
		return
	}
	if err := s.orch.UpdateCard(r.Context(), addr, id, req.Start, req.End, req.Alias); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	id := r.PathValue("id")
	if err := s.orch.DeleteCard(r.Context(), addr, id); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListFingerprints(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	fps, err := s.orch.Fingerprints(r.Context(), addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if fps == nil {
		fps = []transport.Fingerprint{}
	}
	s.writeJSON(w, http.StatusOK, fps)
}

func (s *Server) handleAddFingerprint(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	req, ok := s.decodeCredentialRequest(w, r)
	if !ok {
		return
	}
	fp, err := s.orch.AddFingerprint(r.Context(), addr, req.Start, req.End, req.Alias)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, fp)
}

func (s *Server) handleUpdateFingerprint(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	id := r.PathValue("id")
	req, ok := s.decodeCredentialRequest(w, r)
	if !ok {
		return
	}
	if err := s.orch.UpdateFingerprint(r.Context(), addr, id, req.Start, req.End, req.Alias); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteFingerprint(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	id := r.PathValue("id")
	if err := s.orch.DeleteFingerprint(r.Context(), addr, id); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validPasscode(code string) bool {
	if len(code) < 4 || len(code) > 10 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// validWindow accepts open-ended windows: a zero time on either side
// means no bound.
func validWindow(start, end time.Time) bool {
	if start.IsZero() || end.IsZero() {
		return true
	}
	return !end.Before(start)
}
