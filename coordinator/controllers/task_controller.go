package controllers

// TaskController exposes the HTTP coordinator's endpoints: POST
// .../signatures to submit a share, GET .../aggregated to fetch the
// assembled result once threshold stake weight is met.

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	core "github.com/restakeops/operator/core"
	"github.com/restakeops/operator/coordinator/services"
)

type TaskController struct {
	svc *services.TaskService
}

func NewTaskController(svc *services.TaskService) *TaskController {
	return &TaskController{svc: svc}
}

type submitSignatureRequest struct {
	core.WireShare
	TotalOperators       uint64   `json:"total_operators"`
	ThresholdStakeWeight uint64   `json:"threshold_stake_weight"`
	OperatorStakes       []uint64 `json:"operator_stakes"`
}

// SubmitSignature handles POST /tasks/{serviceId}/{callId}/signatures.
func (tc *TaskController) SubmitSignature(w http.ResponseWriter, r *http.Request) {
	key, ok := taskKeyFromVars(r)
	if !ok {
		http.Error(w, "invalid serviceId/callId", http.StatusBadRequest)
		return
	}

	var req submitSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.TotalOperators > 0 {
		tc.svc.RegisterInit(key, services.TaskInit{
			TotalOperators:       req.TotalOperators,
			ThresholdStakeWeight: req.ThresholdStakeWeight,
			OperatorStakes:       req.OperatorStakes,
			Output:               req.Output,
		})
	}

	if err := tc.svc.SubmitShare(key, req.WireShare); err != nil {
		if errors.Is(err, services.ErrConflictingShare) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := tc.svc.GetAggregated(key); err != nil {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetAggregated handles GET /tasks/{serviceId}/{callId}/aggregated.
func (tc *TaskController) GetAggregated(w http.ResponseWriter, r *http.Request) {
	key, ok := taskKeyFromVars(r)
	if !ok {
		http.Error(w, "invalid serviceId/callId", http.StatusBadRequest)
		return
	}
	agg, err := tc.svc.GetAggregated(key)
	if err != nil {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	json.NewEncoder(w).Encode(core.NewWireAggregatedSignature(agg))
}

func taskKeyFromVars(r *http.Request) (core.TaskKey, bool) {
	vars := mux.Vars(r)
	svc, err1 := strconv.ParseUint(vars["serviceId"], 10, 64)
	call, err2 := strconv.ParseUint(vars["callId"], 10, 64)
	if err1 != nil || err2 != nil {
		return core.TaskKey{}, false
	}
	return core.TaskKey{ServiceId: core.ServiceId(svc), CallId: core.CallId(call)}, true
}
