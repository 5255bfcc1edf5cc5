package routes

import (
	"github.com/gorilla/mux"

	"github.com/restakeops/operator/coordinator/controllers"
	"github.com/restakeops/operator/coordinator/middleware"
)

// Register wires the coordinator's HTTP surface.
func Register(r *mux.Router, tc *controllers.TaskController) {
	r.Use(middleware.Logger)
	r.HandleFunc("/tasks/{serviceId}/{callId}/signatures", tc.SubmitSignature).Methods("POST")
	r.HandleFunc("/tasks/{serviceId}/{callId}/aggregated", tc.GetAggregated).Methods("GET")
}
