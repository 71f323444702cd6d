package server

import (
	"net/http"
	"strconv"

	"github.com/ssd-technologies/termconsensus/internal/mesh"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

func parseEpoch(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	epoch, err := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return 0, false
	}
	return epoch, true
}

// handleFinalize handles POST /api/epochs/{epoch}/finalize.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	epoch, ok := parseEpoch(w, r)
	if !ok {
		return
	}
	f, err := s.engine.FinalizeEpoch(r.Context(), epoch)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// weightsResponse is the public view of a finalized epoch.
type weightsResponse struct {
	Epoch        uint64         `json:"epoch"`
	Vector       weights.Vector `json:"vector"`
	VectorDigest string         `json:"vector_digest"`
	BurnPercent  float64        `json:"burn_percent"`
	FinalizedAt  int64          `json:"finalized_at"`
}

// handleWeights handles GET /api/epochs/{epoch}/weights.
func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	epoch, ok := parseEpoch(w, r)
	if !ok {
		return
	}
	f, err := s.engine.Weights(epoch)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, weightsResponse{
		Epoch:        f.Epoch,
		Vector:       f.Vector,
		VectorDigest: f.VectorDigest,
		BurnPercent:  f.DecayAfter.BurnPercent,
		FinalizedAt:  f.CreatedAt,
	})
}

// handleAdvance handles POST /api/epochs/advance.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.AdvanceEpoch(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCurrentEpoch handles GET /api/epochs/current.
func (s *Server) handleCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.State())
}

// validatorRequest is the body of PUT /api/validators.
type validatorRequest struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
	Stake    uint64 `json:"stake"`
}

// handleListValidators handles GET /api/validators.
func (s *Server) handleListValidators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Validators []mesh.ValidatorInfo `json:"validators"`
		Stats      mesh.RegistryStats   `json:"stats"`
	}{s.registry.Snapshot(), s.registry.Stats()})
}

// handlePutValidator handles PUT /api/validators.
func (s *Server) handlePutValidator(w http.ResponseWriter, r *http.Request) {
	var req validatorRequest
	if !decodeJSON(w, r, smallBodyLimit, &req) {
		return
	}
	if err := s.registry.Register(req.Identity, req.Address, req.Stake); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, _ := s.registry.Get(req.Identity)
	s.log.Info("validator updated", "identity", req.Identity, "stake", req.Stake)
	writeJSON(w, http.StatusOK, v)
}

// handleDeleteValidator handles DELETE /api/validators/{identity}.
func (s *Server) handleDeleteValidator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("identity")
	if err := s.registry.Unregister(id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("validator removed", "identity", id)
	w.WriteHeader(http.StatusNoContent)
}
