package main

// Coordinator is the HTTP aggregation service operators poll and submit
// signature shares to when running in coordinator mode: load config,
// construct service, construct controller, register routes, serve.

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/restakeops/operator/coordinator/controllers"
	"github.com/restakeops/operator/coordinator/routes"
	"github.com/restakeops/operator/coordinator/services"
	"github.com/restakeops/operator/pkg/config"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("load coordinator config")
	}

	svc := services.NewTaskService()
	ctrl := controllers.NewTaskController(svc)

	r := mux.NewRouter()
	routes.Register(r, ctrl)

	logrus.Infof("coordinator listening on %s", cfg.Coordinator.ListenAddr)
	if err := http.ListenAndServe(cfg.Coordinator.ListenAddr, r); err != nil {
		logrus.WithError(err).Fatal("coordinator http server")
	}
}
